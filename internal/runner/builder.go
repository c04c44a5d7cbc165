package runner

import (
	"context"
	"maps"
	"os/exec"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/adamavenir/roost/internal/types"
)

// Spec is everything needed to construct the process for one invocation.
type Spec struct {
	Name         string
	Conversation types.Conversation
	Mounts       []VolumeMount
	Env          map[string]string
}

// CommandBuilder turns a Spec into a runnable command. The command must be
// bound to ctx so the watchdogs can stop it.
type CommandBuilder interface {
	Build(ctx context.Context, spec Spec) (*exec.Cmd, error)
}

// EngineBuilder runs invocations in a container engine such as docker or podman.
type EngineBuilder struct {
	Engine string
	Image  string
}

// Build returns `<engine> run -i --rm --name <name> -v ... <image>`.
func (b EngineBuilder) Build(ctx context.Context, spec Spec) (*exec.Cmd, error) {
	args := []string{"run", "-i", "--rm", "--name", spec.Name}
	for _, m := range spec.Mounts {
		volume := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			volume += ":ro"
		}
		args = append(args, "-v", volume)
	}
	for _, key := range slices.Sorted(maps.Keys(spec.Env)) {
		args = append(args, "-e", key+"="+spec.Env[key])
	}
	args = append(args, b.Image)
	return exec.CommandContext(ctx, b.Engine, args...), nil
}

// Stop removes a container by name.
func (b EngineBuilder) Stop(name string) error {
	return exec.Command(b.Engine, "stop", "-t", "1", name).Run()
}

// invocationName returns a unique container name for a conversation.
func invocationName(conv types.Conversation) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "roost-" + strings.ToLower(conv.Folder) + "-" + id[:12]
}
