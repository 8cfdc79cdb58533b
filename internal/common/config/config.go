// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	NATS                NATSConfig                `mapstructure:"nats"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	Poll                PollConfig                `mapstructure:"poll"`
	State               StateConfig               `mapstructure:"state"`
	MCP                 MCPConfig                 `mapstructure:"mcp"`
	Docker              DockerConfig              `mapstructure:"docker"`
	Defaults            DefaultsConfig            `mapstructure:"defaults"`
	NotificationRouting map[string][]string       `mapstructure:"notificationRouting"`
	NotifierCommands    map[string][]string       `mapstructure:"notifierCommands"`
	Reactions           map[string]ReactionConfig `mapstructure:"reactions"`
	Projects            map[string]*Project       `mapstructure:"projects"`

	// Path is the absolute path of the loaded config file. The metadata
	// store derives its storage root from it so independent orchestrators
	// coexist on one host.
	Path string `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollConfig holds lifecycle poll configuration.
type PollConfig struct {
	IntervalSeconds int `mapstructure:"intervalSeconds"`
	ProbeTimeout    int `mapstructure:"probeTimeoutSeconds"`
}

// StateConfig holds persisted-state configuration.
type StateConfig struct {
	// Dir overrides the default state root (~/.agentor). The per-config
	// hash subdirectory is still applied underneath it.
	Dir string `mapstructure:"dir"`
}

// DockerConfig configures the container runtime plugin.
type DockerConfig struct {
	Host       string `mapstructure:"host"`       // empty selects the environment default
	APIVersion string `mapstructure:"apiVersion"` // empty negotiates
	Image      string `mapstructure:"image"`
	Network    string `mapstructure:"network"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DefaultsConfig names the plugins used when a project does not override them.
type DefaultsConfig struct {
	Runtime   string   `mapstructure:"runtime"`
	Agent     string   `mapstructure:"agent"`
	Workspace string   `mapstructure:"workspace"`
	Notifiers []string `mapstructure:"notifiers"`
}

// ReactionConfig describes an automated response to a recognized event.
type ReactionConfig struct {
	// Auto controls whether the automated action runs. When false the
	// notify path still fires. Defaults to true.
	Auto          *bool  `mapstructure:"auto"`
	Action        string `mapstructure:"action"` // send-to-agent, notify, auto-merge
	Message       string `mapstructure:"message"`
	Priority      string `mapstructure:"priority"`
	Retries       int    `mapstructure:"retries"`
	EscalateAfter string `mapstructure:"escalateAfter"` // count or duration like "30m"
}

// IsAuto reports whether the automated action is enabled.
func (r ReactionConfig) IsAuto() bool {
	return r.Auto == nil || *r.Auto
}

// Project holds per-project configuration.
type Project struct {
	ID            string                    `mapstructure:"-"`
	Repo          string                    `mapstructure:"repo"`
	Path          string                    `mapstructure:"path"`
	DefaultBranch string                    `mapstructure:"defaultBranch"`
	SessionPrefix string                    `mapstructure:"sessionPrefix"`
	Agent         string                    `mapstructure:"agent"`
	Runtime       string                    `mapstructure:"runtime"`
	Workspace     string                    `mapstructure:"workspace"`
	SCM           string                    `mapstructure:"scm"`
	Tracker       TrackerConfig             `mapstructure:"tracker"`
	Symlinks      []string                  `mapstructure:"symlinks"`
	Prompts       []string                  `mapstructure:"prompts"`
	Reactions     map[string]ReactionConfig `mapstructure:"reactions"`
	Webhooks      WebhooksConfig            `mapstructure:"webhooks"`
	Triggers      []TriggerRule             `mapstructure:"triggers"`
	PRP           *PRPConfig                `mapstructure:"prp"`
}

// PRPEnabled reports whether the structured methodology is on for the project.
func (p *Project) PRPEnabled() bool {
	return p != nil && p.PRP != nil && p.PRP.Enabled
}

// TrackerConfig selects and configures the tracker plugin for a project.
type TrackerConfig struct {
	Plugin   string            `mapstructure:"plugin"`
	Settings map[string]string `mapstructure:"settings"`
}

// WebhooksConfig holds per-provider webhook secrets.
type WebhooksConfig struct {
	GitHub *GitHubWebhookConfig `mapstructure:"github"`
	Plane  *PlaneWebhookConfig  `mapstructure:"plane"`
}

// GitHubWebhookConfig holds the GitHub webhook shared secret.
type GitHubWebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// PlaneWebhookConfig holds the Plane webhook shared secret and workspace.
type PlaneWebhookConfig struct {
	Secret      string `mapstructure:"secret"`
	WorkspaceID string `mapstructure:"workspaceId"`
}

// TriggerRule maps a normalized tracker event to a spawn or resume decision.
// Rules are evaluated in declared order; first match wins.
type TriggerRule struct {
	On             string `mapstructure:"on"` // issue.opened, issue.labeled, ...
	Label          string `mapstructure:"label"`
	Assignee       string `mapstructure:"assignee"`
	Action         string `mapstructure:"action"` // spawn, resume-session
	CommentPattern string `mapstructure:"commentPattern"`
	Message        string `mapstructure:"message"`
}

// PRPConfig enables the structured agent methodology for a project.
type PRPConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	PluginPath string             `mapstructure:"pluginPath"`
	Gates      PRPGatesConfig     `mapstructure:"gates"`
	Writeback  PRPWritebackConfig `mapstructure:"writeback"`
	PromptFile string             `mapstructure:"promptFile"`
}

// PRPGatesConfig selects the pause points awaiting human approval.
type PRPGatesConfig struct {
	Plan bool `mapstructure:"plan"`
	PR   bool `mapstructure:"pr"`
}

// PRPWritebackConfig gates the per-phase tracker comments.
type PRPWritebackConfig struct {
	Investigation  bool `mapstructure:"investigation"`
	Plan           bool `mapstructure:"plan"`
	Implementation bool `mapstructure:"implementation"`
	PR             bool `mapstructure:"pr"`
}

// PollInterval returns the poll interval as a time.Duration.
func (p *PollConfig) PollInterval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// ProbeTimeoutDuration returns the per-probe timeout as a time.Duration.
func (p *PollConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(p.ProbeTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Project returns the project with the given id.
func (c *Config) Project(id string) (*Project, bool) {
	p, ok := c.Projects[id]
	return p, ok
}

// ReactionFor resolves the reaction config for a key, with a project-level
// override taking precedence over the global table.
func (c *Config) ReactionFor(project *Project, key string) (ReactionConfig, bool) {
	if project != nil {
		if r, ok := project.Reactions[key]; ok {
			return r, true
		}
	}
	r, ok := c.Reactions[key]
	return r, ok
}

// RuntimeFor returns the runtime plugin name for a project.
func (c *Config) RuntimeFor(p *Project) string {
	if p != nil && p.Runtime != "" {
		return p.Runtime
	}
	return c.Defaults.Runtime
}

// AgentFor returns the agent plugin name for a project.
func (c *Config) AgentFor(p *Project) string {
	if p != nil && p.Agent != "" {
		return p.Agent
	}
	return c.Defaults.Agent
}

// WorkspaceFor returns the workspace plugin name for a project.
func (c *Config) WorkspaceFor(p *Project) string {
	if p != nil && p.Workspace != "" {
		return p.Workspace
	}
	return c.Defaults.Workspace
}

// NotifiersFor returns the notifier names routed for a priority band,
// falling back to the default notifier list.
func (c *Config) NotifiersFor(priority string) []string {
	if names, ok := c.NotificationRouting[priority]; ok && len(names) > 0 {
		return names
	}
	return c.Defaults.Notifiers
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("poll.intervalSeconds", 30)
	v.SetDefault("poll.probeTimeoutSeconds", 30)

	v.SetDefault("state.dir", "")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9420)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "agentor/agent:latest")
	v.SetDefault("docker.network", "")

	v.SetDefault("defaults.runtime", "tmux")
	v.SetDefault("defaults.agent", "claude")
	v.SetDefault("defaults.workspace", "worktree")
	v.SetDefault("defaults.notifiers", []string{"log"})
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTOR_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/agentor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints and fills derived per-project
// fields (ID, session prefix, default branch).
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Poll.IntervalSeconds <= 0 {
		errs = append(errs, "poll.intervalSeconds must be positive")
	}

	validActions := map[string]bool{"send-to-agent": true, "notify": true, "auto-merge": true}
	for key, r := range cfg.Reactions {
		if !validActions[r.Action] {
			errs = append(errs, fmt.Sprintf("reactions.%s.action must be one of: send-to-agent, notify, auto-merge", key))
		}
	}

	for id, p := range cfg.Projects {
		p.ID = id
		if p.SessionPrefix == "" {
			p.SessionPrefix = id
		}
		if p.DefaultBranch == "" {
			p.DefaultBranch = "main"
		}
		if p.Path == "" {
			errs = append(errs, fmt.Sprintf("projects.%s.path is required", id))
		}
		if p.Tracker.Plugin == "" {
			errs = append(errs, fmt.Sprintf("projects.%s.tracker.plugin is required", id))
		}
		for i, t := range p.Triggers {
			if t.On == "" {
				errs = append(errs, fmt.Sprintf("projects.%s.triggers[%d].on is required", id, i))
			}
		}
		if p.Webhooks.Plane != nil && p.Webhooks.Plane.WorkspaceID == "" {
			errs = append(errs, fmt.Sprintf("projects.%s.webhooks.plane.workspaceId is required", id))
		}
		for key, r := range p.Reactions {
			if !validActions[r.Action] {
				errs = append(errs, fmt.Sprintf("projects.%s.reactions.%s.action must be one of: send-to-agent, notify, auto-merge", id, key))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
