// Package policy loads engine configuration and the role roster from YAML.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/showrunner/internal/domain"
)

// GlobalStateDir returns the default global state directory (~/.config/showrunner).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "showrunner")
}

// GlobalStateFile returns the default global state file path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// TransportStdio and TransportHTTPSSE are the recognized tool transports.
const (
	TransportStdio   = "stdio"
	TransportHTTPSSE = "http-sse"
)

// WorkerConfig describes how worker processes are launched. The command
// line is built from these options; Args entries may use the placeholders
// {workspace}, {role}, {task_id}, {prompt_file} and {mcp_config}.
type WorkerConfig struct {
	BinaryPath   string `yaml:"binary_path"`
	Model        string `yaml:"model"`
	OutputFormat string `yaml:"output_format"`
	MaxTurns     int    `yaml:"max_turns"`
	// DangerouslySkipPermissions passes the worker CLI's permission bypass
	// flag. Workers are trusted on this host; still off by default.
	DangerouslySkipPermissions bool     `yaml:"dangerously_skip_permissions"`
	Args                       []string `yaml:"args"`
	// Env sets additional environment variables for the spawned worker.
	// Values can reference parent env vars with ${VAR} syntax.
	Env map[string]string `yaml:"env"`
	// InheritEnv is a list of glob patterns for env var names to inherit
	// from the parent process. Default: all. ["none"] inherits nothing.
	InheritEnv []string `yaml:"inherit_env"`
}

// TransportConfig selects how workers reach the inbound tool endpoint.
type TransportConfig struct {
	Kind string `yaml:"kind"` // stdio or http-sse
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port for the HTTP transport.
func (t TransportConfig) Address() string {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, t.Port)
}

// DecompositionConfig is consumed by the task decomposer when splitting
// oversized work items. The engine only parses and forwards these values.
type DecompositionConfig struct {
	TokensPerFile     int `yaml:"tokens_per_file"`
	SafeContextTokens int `yaml:"safe_context_tokens"`
}

// NotifyConfig selects the escalation notification channel.
type NotifyConfig struct {
	Channel    string   `yaml:"channel"` // log (default), webhook, command
	WebhookURL string   `yaml:"webhook_url"`
	Command    []string `yaml:"command"`
}

// ProjectConfig names the project and optionally carries its brief.
type ProjectConfig struct {
	Name      string `yaml:"name"`
	Brief     string `yaml:"brief"`
	BriefFile string `yaml:"brief_file"`
}

// Config holds the full engine configuration.
type Config struct {
	WorkspaceRoot string `yaml:"workspace_root"`
	StateFile     string `yaml:"state_file"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	LogFile  string `yaml:"log_file"`

	PollingIntervalSeconds    int            `yaml:"polling_interval_seconds"`
	HeartbeatTimeoutSeconds   int            `yaml:"heartbeat_timeout_seconds"`
	DefaultRoleTimeoutSeconds int            `yaml:"default_role_timeout_seconds"`
	RoleTimeouts              map[string]int `yaml:"role_timeouts"`
	MaxRetries                int            `yaml:"max_retries"`
	GracefulShutdownTimeoutMS int            `yaml:"graceful_shutdown_timeout_ms"`
	MaxRecentMessages         int            `yaml:"max_recent_messages"`

	Worker        WorkerConfig        `yaml:"worker"`
	ToolTransport TransportConfig     `yaml:"tool_transport"`
	Decomposition DecompositionConfig `yaml:"decomposition"`
	Notify        NotifyConfig        `yaml:"notify"`
	Project       ProjectConfig       `yaml:"project"`
	Roles         []RoleSpec          `yaml:"roles"`

	// path the config was loaded from; workers launched with the stdio
	// transport point their facade command back at it.
	path string
}

// DefaultConfig returns sensible defaults for everything but the roster.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:                  "info",
		PollingIntervalSeconds:    5,
		HeartbeatTimeoutSeconds:   60,
		DefaultRoleTimeoutSeconds: 600,
		MaxRetries:                3,
		GracefulShutdownTimeoutMS: 5000,
		MaxRecentMessages:         50,
		Worker: WorkerConfig{
			BinaryPath:   "claude",
			OutputFormat: "stream-json",
			MaxTurns:     50,
		},
		ToolTransport: TransportConfig{
			Kind: TransportStdio,
			Host: "127.0.0.1",
			Port: 8712,
		},
		Notify: NotifyConfig{Channel: "log"},
	}
}

// Load reads configuration from a YAML file, applies defaults, normalizes
// role names and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.path = path
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

func (c *Config) normalize() {
	for i := range c.Roles {
		c.Roles[i].Role = domain.NormalizeRole(c.Roles[i].Role)
		if c.Roles[i].WorkerKind == "" {
			c.Roles[i].WorkerKind = c.Roles[i].Role
		}
		for j := range c.Roles[i].DependsOn {
			c.Roles[i].DependsOn[j] = domain.NormalizeRole(c.Roles[i].DependsOn[j])
		}
	}
	if len(c.RoleTimeouts) > 0 {
		normalized := make(map[string]int, len(c.RoleTimeouts))
		for role, secs := range c.RoleTimeouts {
			normalized[domain.NormalizeRole(role)] = secs
		}
		c.RoleTimeouts = normalized
	}
}

// Validate checks the configuration for structural problems. Graph-level
// roster validation (cycles, missing references) is the resolver's job.
func (c *Config) Validate() error {
	var problems []string

	if c.PollingIntervalSeconds < 1 {
		problems = append(problems, "polling_interval_seconds must be >= 1")
	}
	if c.HeartbeatTimeoutSeconds < 1 {
		problems = append(problems, "heartbeat_timeout_seconds must be >= 1")
	}
	if c.MaxRetries < 1 {
		problems = append(problems, "max_retries must be >= 1")
	}
	if c.GracefulShutdownTimeoutMS < 0 {
		problems = append(problems, "graceful_shutdown_timeout_ms must be >= 0")
	}

	switch c.ToolTransport.Kind {
	case TransportStdio, TransportHTTPSSE:
	default:
		problems = append(problems, fmt.Sprintf("tool_transport.kind %q is not one of stdio, http-sse", c.ToolTransport.Kind))
	}

	switch c.Notify.Channel {
	case "", "log":
	case "webhook":
		if c.Notify.WebhookURL == "" {
			problems = append(problems, "notify.channel webhook requires notify.webhook_url")
		}
	case "command":
		if len(c.Notify.Command) == 0 {
			problems = append(problems, "notify.channel command requires notify.command")
		}
	default:
		problems = append(problems, fmt.Sprintf("notify.channel %q is not one of log, webhook, command", c.Notify.Channel))
	}

	seen := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.Role == "" {
			problems = append(problems, "roles entries must name a role")
			continue
		}
		if seen[r.Role] {
			problems = append(problems, fmt.Sprintf("duplicate role %q", r.Role))
		}
		seen[r.Role] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PollingInterval returns the supervisor tick period.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the liveness threshold.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// GracefulShutdownTimeout bounds graceful worker termination.
func (c *Config) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutMS) * time.Millisecond
}

// RoleTimeout resolves the deadline added to spawned_at for a role: the
// role_timeouts table wins, then the roster entry, then the default.
func (c *Config) RoleTimeout(role string) time.Duration {
	role = domain.NormalizeRole(role)
	if secs, ok := c.RoleTimeouts[role]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	for _, r := range c.Roles {
		if r.Role == role && r.TimeoutSeconds > 0 {
			return time.Duration(r.TimeoutSeconds) * time.Second
		}
	}
	return time.Duration(c.DefaultRoleTimeoutSeconds) * time.Second
}

// StateFilePath returns the SQLite state file path, defaulting to the
// global state file so every process on the machine shares one store.
func (c *Config) StateFilePath() string {
	if c.StateFile == "" {
		return GlobalStateFile()
	}
	if filepath.IsAbs(c.StateFile) {
		return c.StateFile
	}
	return filepath.Join(c.WorkspaceRoot, c.StateFile)
}

// SignalFilePath returns the notify signal file touched after every store
// commit. Watchers use it to detect writes without relying on SQLite WAL
// file events.
func (c *Config) SignalFilePath() string {
	return filepath.Join(filepath.Dir(c.StateFilePath()), ".showrunner-notify")
}

// RuntimeDir returns the per-workspace runtime directory for scratch
// files, worker logs and lockfiles.
func (c *Config) RuntimeDir() string {
	root := c.WorkspaceRoot
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".showrunner")
}

// ScratchDir holds per-spawn prompt and facade-config files.
func (c *Config) ScratchDir() string { return filepath.Join(c.RuntimeDir(), "scratch") }

// WorkerLogDir holds per-worker stdout/stderr capture files.
func (c *Config) WorkerLogDir() string { return filepath.Join(c.RuntimeDir(), "logs") }

// LockDir holds per-role spawn lockfiles.
func (c *Config) LockDir() string { return filepath.Join(c.RuntimeDir(), "locks") }

// BriefText returns the project brief, reading brief_file when set. An
// inline brief wins over the file.
func (c *Config) BriefText() (string, error) {
	if c.Project.Brief != "" {
		return c.Project.Brief, nil
	}
	if c.Project.BriefFile == "" {
		return "", nil
	}
	path := c.Project.BriefFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.WorkspaceRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read brief file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ProjectName returns the configured project name, defaulting to the
// workspace directory basename.
func (c *Config) ProjectName() string {
	if c.Project.Name != "" {
		return c.Project.Name
	}
	if c.WorkspaceRoot != "" {
		return filepath.Base(c.WorkspaceRoot)
	}
	return "showrunner"
}
