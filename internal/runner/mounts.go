package runner

import (
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/adamavenir/roost/internal/core"
	"github.com/adamavenir/roost/internal/types"
)

// Container-side paths of the standard mounts.
const (
	ContainerGlobalDir  = "/workspace/global"
	ContainerProjectDir = "/workspace/project"
	ContainerGroupDir   = "/workspace/group"
	ContainerIPCDir     = "/workspace/ipc"
	ContainerSessionDir = "/home/agent/.claude"
	ContainerExtraDir   = "/workspace/extra"
)

// VolumeMount is one resolved host to container bind mount.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// MountPolicy decides which host paths an invocation may see.
type MountPolicy struct {
	projectRoot string
	groupsDir   string
	ipcDir      string
	sessionsDir string
	allow       []glob.Glob
	logger      *slog.Logger
}

// NewMountPolicy compiles the allowlist globs for additional mounts.
func NewMountPolicy(cfg core.Config, logger *slog.Logger) (*MountPolicy, error) {
	if logger == nil {
		logger = core.DiscardLogger()
	}
	policy := &MountPolicy{
		projectRoot: cfg.ProjectRoot,
		groupsDir:   cfg.GroupsDir,
		ipcDir:      cfg.IPCDir(),
		sessionsDir: cfg.SessionsDir(),
		logger:      logger,
	}
	for _, pattern := range cfg.Container.MountAllowlist {
		matcher, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("mount allowlist pattern %q: %w", pattern, err)
		}
		policy.allow = append(policy.allow, matcher)
	}
	return policy, nil
}

// GroupDir returns the host workspace folder of a conversation.
func (p *MountPolicy) GroupDir(conv types.Conversation) string {
	return filepath.Join(p.groupsDir, conv.Folder)
}

// IPCDir returns the host mailbox namespace directory of a conversation.
func (p *MountPolicy) IPCDir(conv types.Conversation) string {
	return filepath.Join(p.ipcDir, conv.Namespace())
}

// SessionDir returns the host session state directory of a conversation.
func (p *MountPolicy) SessionDir(conv types.Conversation) string {
	return filepath.Join(p.sessionsDir, conv.Folder)
}

// Mounts returns the bind mounts for one invocation. The conversation can
// write only to its own folder, its own mailbox namespace and its session
// state. privileged is the flag captured when the work was enqueued.
func (p *MountPolicy) Mounts(conv types.Conversation, privileged bool) []VolumeMount {
	mounts := []VolumeMount{
		{HostPath: filepath.Join(p.groupsDir, "global"), ContainerPath: ContainerGlobalDir, ReadOnly: true},
	}
	if privileged {
		mounts = append(mounts, VolumeMount{HostPath: p.projectRoot, ContainerPath: ContainerProjectDir, ReadOnly: true})
	}
	mounts = append(mounts,
		VolumeMount{HostPath: p.GroupDir(conv), ContainerPath: ContainerGroupDir},
		VolumeMount{HostPath: p.IPCDir(conv), ContainerPath: ContainerIPCDir},
		VolumeMount{HostPath: p.SessionDir(conv), ContainerPath: ContainerSessionDir},
	)

	if conv.Container == nil {
		return mounts
	}
	for _, extra := range conv.Container.AdditionalMounts {
		mount, err := p.additional(extra, privileged)
		if err != nil {
			p.logger.Warn("mount rejected", "namespace", conv.Namespace(), "host_path", extra.HostPath, "error", err)
			continue
		}
		mounts = append(mounts, mount)
	}
	return mounts
}

func (p *MountPolicy) additional(m types.Mount, privileged bool) (VolumeMount, error) {
	if !filepath.IsAbs(m.HostPath) {
		return VolumeMount{}, fmt.Errorf("host path must be absolute")
	}
	host := filepath.Clean(m.HostPath)
	if !p.allowed(host) {
		return VolumeMount{}, fmt.Errorf("host path not in allowlist")
	}

	name := m.ContainerPath
	if name == "" {
		name = filepath.Base(host)
	}
	name = path.Clean("/" + strings.TrimPrefix(name, "/"))
	if name == "/" || strings.Contains(m.ContainerPath, "..") {
		return VolumeMount{}, fmt.Errorf("invalid container path %q", m.ContainerPath)
	}

	readOnly := true
	if privileged && m.ReadOnly != nil && !*m.ReadOnly {
		readOnly = false
	}
	return VolumeMount{
		HostPath:      host,
		ContainerPath: ContainerExtraDir + name,
		ReadOnly:      readOnly,
	}, nil
}

func (p *MountPolicy) allowed(host string) bool {
	for _, matcher := range p.allow {
		if matcher.Match(host) {
			return true
		}
	}
	return false
}
