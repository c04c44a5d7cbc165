package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for configuration environment variables.
const EnvPrefix = "ROOST"

// Config holds runtime configuration for the daemon and CLI.
type Config struct {
	AssistantName       string
	ProjectRoot         string
	GroupsDir           string
	DataDir             string
	StorePath           string
	PollInterval        time.Duration
	IPCPollInterval     time.Duration
	SchedulerInterval   time.Duration
	InvocationTimeout   time.Duration
	IdleTimeout         time.Duration
	PrivilegedNamespace string
	Timezone            string
	Location            *time.Location
	Container           ContainerConfig
	Deploy              DeployConfig
	Telemetry           TelemetryConfig
	LogLevel            string
	LogFormat           string
}

// ContainerConfig controls how invocations are launched.
type ContainerConfig struct {
	Engine         string
	Image          string
	MaxConcurrent  int
	MountAllowlist []string
}

// DeployConfig holds the commands used by admin build/deploy actions.
type DeployConfig struct {
	BuildCommand      []string
	ImageBuildCommand []string
	Remote            string
	Branch            string
}

// TelemetryConfig controls metric export.
type TelemetryConfig struct {
	Stdout       bool
	OTLPEndpoint string
}

// TriggerWord returns the word that addresses the assistant, e.g. "@Andy".
func (c Config) TriggerWord() string {
	return "@" + c.AssistantName
}

// IPCDir returns the root of the mailbox namespaces.
func (c Config) IPCDir() string {
	return filepath.Join(c.DataDir, "ipc")
}

// SessionsDir returns the root of per-conversation session state.
func (c Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// LockPath returns the daemon lock file path.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, "daemon.lock")
}

func setDefaults(v *viper.Viper, cwd string) {
	v.SetDefault("assistant_name", "Andy")
	v.SetDefault("project_root", cwd)
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("ipc_poll_interval", time.Second)
	v.SetDefault("scheduler_poll_interval", time.Minute)
	v.SetDefault("invocation_timeout", 30*time.Minute)
	v.SetDefault("idle_timeout", 30*time.Minute)
	v.SetDefault("privileged_namespace", "main")
	v.SetDefault("timezone", "")
	v.SetDefault("container.engine", "docker")
	v.SetDefault("container.image", "roost-agent:latest")
	v.SetDefault("container.max_concurrent", 5)
	v.SetDefault("container.mount_allowlist", []string{})
	v.SetDefault("deploy.build_command", []string{"go", "build", "./..."})
	v.SetDefault("deploy.image_build_command", []string{"./container/build.sh"})
	v.SetDefault("deploy.remote", "origin")
	v.SetDefault("deploy.branch", "main")
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"poll-interval":  "poll_interval",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"max-concurrent": "container.max_concurrent",
}

// LoadConfig reads configuration from defaults, an optional YAML file,
// ROOST_* environment variables and explicitly set flags, in increasing
// precedence. An empty path falls back to roost.yaml in the data directory
// when it exists. flags may be nil.
func LoadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, cwd)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	if path == "" {
		dataDir := v.GetString("data_dir")
		if dataDir == "" {
			dataDir = filepath.Join(v.GetString("project_root"), "data")
		}
		candidate := filepath.Join(dataDir, "roost.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		AssistantName:       v.GetString("assistant_name"),
		ProjectRoot:         v.GetString("project_root"),
		GroupsDir:           v.GetString("groups_dir"),
		DataDir:             v.GetString("data_dir"),
		StorePath:           v.GetString("store_path"),
		PollInterval:        v.GetDuration("poll_interval"),
		IPCPollInterval:     v.GetDuration("ipc_poll_interval"),
		SchedulerInterval:   v.GetDuration("scheduler_poll_interval"),
		InvocationTimeout:   v.GetDuration("invocation_timeout"),
		IdleTimeout:         v.GetDuration("idle_timeout"),
		PrivilegedNamespace: v.GetString("privileged_namespace"),
		Timezone:            v.GetString("timezone"),
		Container: ContainerConfig{
			Engine:         v.GetString("container.engine"),
			Image:          v.GetString("container.image"),
			MaxConcurrent:  v.GetInt("container.max_concurrent"),
			MountAllowlist: v.GetStringSlice("container.mount_allowlist"),
		},
		Deploy: DeployConfig{
			BuildCommand:      v.GetStringSlice("deploy.build_command"),
			ImageBuildCommand: v.GetStringSlice("deploy.image_build_command"),
			Remote:            v.GetString("deploy.remote"),
			Branch:            v.GetString("deploy.branch"),
		},
		Telemetry: TelemetryConfig{
			Stdout:       v.GetBool("telemetry.stdout"),
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
		},
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if abs, err := filepath.Abs(c.ProjectRoot); err == nil {
		c.ProjectRoot = abs
	}
	if c.GroupsDir == "" {
		c.GroupsDir = filepath.Join(c.ProjectRoot, "groups")
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.ProjectRoot, "data")
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "roost.db")
	}
	if c.Timezone == "" {
		c.Timezone = os.Getenv("TZ")
	}
}

// Validate checks the configuration and resolves the schedule time zone.
func (c *Config) Validate() error {
	if c.AssistantName == "" {
		return errors.New("assistant_name is required")
	}
	if c.PrivilegedNamespace == "" {
		return errors.New("privileged_namespace is required")
	}
	if !IsValidFolder(c.PrivilegedNamespace) {
		return fmt.Errorf("privileged_namespace %q is not a valid folder name", c.PrivilegedNamespace)
	}
	durations := map[string]time.Duration{
		"poll_interval":           c.PollInterval,
		"ipc_poll_interval":       c.IPCPollInterval,
		"scheduler_poll_interval": c.SchedulerInterval,
		"invocation_timeout":      c.InvocationTimeout,
		"idle_timeout":            c.IdleTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Container.MaxConcurrent <= 0 {
		return fmt.Errorf("container.max_concurrent must be positive, got %d", c.Container.MaxConcurrent)
	}

	if c.Timezone == "" {
		c.Location = time.Local
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc
	return nil
}

// DefaultConfig returns a validated configuration rooted at projectRoot
// without reading files or the environment.
func DefaultConfig(projectRoot string) Config {
	cfg := Config{
		AssistantName:       "Andy",
		ProjectRoot:         projectRoot,
		PollInterval:        2 * time.Second,
		IPCPollInterval:     time.Second,
		SchedulerInterval:   time.Minute,
		InvocationTimeout:   30 * time.Minute,
		IdleTimeout:         30 * time.Minute,
		PrivilegedNamespace: "main",
		Timezone:            "UTC",
		Container: ContainerConfig{
			Engine:        "docker",
			Image:         "roost-agent:latest",
			MaxConcurrent: 5,
		},
		Deploy: DeployConfig{
			BuildCommand:      []string{"go", "build", "./..."},
			ImageBuildCommand: []string{"./container/build.sh"},
			Remote:            "origin",
			Branch:            "main",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.applyDerived()
	cfg.Location = time.UTC
	return cfg
}
