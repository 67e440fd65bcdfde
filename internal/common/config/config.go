// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator (§6.2).
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Events      EventsConfig      `mapstructure:"events"`
	Linear      LinearConfig      `mapstructure:"linear"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	GitHub      GitHubConfig      `mapstructure:"github"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	Reviewer    ReviewerConfig    `mapstructure:"reviewer"`
	Projects    ProjectsConfig    `mapstructure:"projects"`
	Planning    PlanningConfig    `mapstructure:"planning"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the webhook HTTP server configuration (§6.1).
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration, used as an optional
// fan-out tap for webhook-fired events alongside the in-process trigger
// (§6.1; SPEC_FULL.md domain-stack `nats-io/nats.go` entry).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LinearStatesConfig maps workflow state names to the issue tracker's own
// state ids, resolved once at start (§3 Workflow state, §6.2 linear.states).
type LinearStatesConfig struct {
	Triage     string `mapstructure:"triage"`
	Ready      string `mapstructure:"ready"`
	InProgress string `mapstructure:"in_progress"`
	InReview   string `mapstructure:"in_review"`
	Done       string `mapstructure:"done"`
	Blocked    string `mapstructure:"blocked"`
}

// LinearConfig holds issue-tracker scoping (§6.2 linear).
type LinearConfig struct {
	Team       string             `mapstructure:"team"`
	Initiative string             `mapstructure:"initiative"`
	Labels     []string           `mapstructure:"labels"`
	Projects   []string           `mapstructure:"projects"`
	States     LinearStatesConfig `mapstructure:"states"`
}

// ExecutorConfig holds the Executor's thresholds (§6.2 executor). A value of
// 0 for any timeout field disables it.
type ExecutorConfig struct {
	Parallel                 int      `mapstructure:"parallel"`
	TimeoutMinutes           float64  `mapstructure:"timeout_minutes"`
	FixerTimeoutMinutes      float64  `mapstructure:"fixer_timeout_minutes"`
	MaxFixerAttempts         int      `mapstructure:"max_fixer_attempts"`
	MaxRetries               int      `mapstructure:"max_retries"`
	InactivityTimeoutMinutes float64  `mapstructure:"inactivity_timeout_minutes"`
	PollIntervalMinutes      float64  `mapstructure:"poll_interval_minutes"`
	StaleTimeoutMinutes      float64  `mapstructure:"stale_timeout_minutes"`
	AutoApproveLabels        []string `mapstructure:"auto_approve_labels"`
	BranchPattern            string   `mapstructure:"branch_pattern"`
	CommitPattern            string   `mapstructure:"commit_pattern"`
	Model                    string   `mapstructure:"model"`
}

// MonitorConfig holds the Monitor's review-response thresholds (§6.2 monitor).
type MonitorConfig struct {
	RespondToReviews              bool    `mapstructure:"respond_to_reviews"`
	ReviewResponderTimeoutMinutes float64 `mapstructure:"review_responder_timeout_minutes"`
}

// GitHubConfig holds code-host repo scoping (§6.2 github).
type GitHubConfig struct {
	Repo      string `mapstructure:"repo"` // "owner/repo" override
	AutoMerge bool   `mapstructure:"automerge"`
}

// PersistenceConfig holds the durable store's settings (§6.2 persistence).
type PersistenceConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DBPath        string `mapstructure:"db_path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// SandboxConfig holds the Agent Runner's sandbox posture (§6.2 sandbox).
type SandboxConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	AutoAllowBash       bool     `mapstructure:"auto_allow_bash"`
	NetworkRestricted   bool     `mapstructure:"network_restricted"`
	ExtraAllowedDomains []string `mapstructure:"extra_allowed_domains"`
}

// BudgetConfig holds spend caps (§6.2 budget). A 0 limit disables that cap.
type BudgetConfig struct {
	DailyLimitUsd    float64 `mapstructure:"daily_limit_usd"`
	MonthlyLimitUsd  float64 `mapstructure:"monthly_limit_usd"`
	PerAgentLimitUsd float64 `mapstructure:"per_agent_limit_usd"`
	WarnAtPercent    float64 `mapstructure:"warn_at_percent"`
}

// ReviewerConfig holds the supplemented review-watch poller's thresholds
// (§6.2 "reviewer, projects, planning: analogous fields with their own
// thresholds and models").
type ReviewerConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	PollIntervalMinutes float64 `mapstructure:"poll_interval_minutes"`
	Query               string  `mapstructure:"query"`
	Model               string  `mapstructure:"model"`
}

// ProjectsConfig holds the project-owner pass's thresholds.
type ProjectsConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	PollIntervalMinutes float64 `mapstructure:"poll_interval_minutes"`
	Model               string  `mapstructure:"model"`
}

// PlanningConfig holds the supplemented planning pass's thresholds.
type PlanningConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	PollIntervalMinutes float64 `mapstructure:"poll_interval_minutes"`
	Model               string  `mapstructure:"model"`
}

// AuthConfig holds the webhook's HMAC secrets (§6.1) and the credential
// provider's token duration.
type AuthConfig struct {
	TrackerWebhookSecret  string `mapstructure:"trackerWebhookSecret"`
	CodeHostWebhookSecret string `mapstructure:"codeHostWebhookSecret"`
	TokenDuration         int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// PollInterval returns the executor's poll interval as a time.Duration.
func (e *ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMinutes * float64(time.Minute))
}

// PollInterval returns the review-watch poller's cadence as a time.Duration.
func (r *ReviewerConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMinutes * float64(time.Minute))
}

// PollInterval returns the project-owner pass's cadence as a time.Duration.
func (p *ProjectsConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMinutes * float64(time.Minute))
}

// PollInterval returns the planning pass's cadence as a time.Duration.
func (p *PlanningConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMinutes * float64(time.Minute))
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AUTOPILOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "autopilot-cluster")
	v.SetDefault("nats.clientId", "autopilot-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("linear.states.triage", "Triage")
	v.SetDefault("linear.states.ready", "Ready")
	v.SetDefault("linear.states.in_progress", "In Progress")
	v.SetDefault("linear.states.in_review", "In Review")
	v.SetDefault("linear.states.done", "Done")
	v.SetDefault("linear.states.blocked", "Blocked")

	v.SetDefault("executor.parallel", 3)
	v.SetDefault("executor.timeout_minutes", 60.0)
	v.SetDefault("executor.fixer_timeout_minutes", 30.0)
	v.SetDefault("executor.max_fixer_attempts", 3)
	v.SetDefault("executor.max_retries", 2)
	v.SetDefault("executor.inactivity_timeout_minutes", 10.0)
	v.SetDefault("executor.poll_interval_minutes", 2.0)
	v.SetDefault("executor.stale_timeout_minutes", 0.0)
	v.SetDefault("executor.branch_pattern", "autopilot/{identifier}")
	v.SetDefault("executor.commit_pattern", "{identifier}: {title}")
	v.SetDefault("executor.model", "")

	v.SetDefault("monitor.respond_to_reviews", false)
	v.SetDefault("monitor.review_responder_timeout_minutes", 30.0)

	v.SetDefault("github.repo", "")
	v.SetDefault("github.automerge", false)

	v.SetDefault("persistence.enabled", true)
	v.SetDefault("persistence.db_path", "./autopilot.db")
	v.SetDefault("persistence.retention_days", 30)

	v.SetDefault("sandbox.enabled", false)
	v.SetDefault("sandbox.auto_allow_bash", false)
	v.SetDefault("sandbox.network_restricted", true)

	v.SetDefault("budget.daily_limit_usd", 0.0)
	v.SetDefault("budget.monthly_limit_usd", 0.0)
	v.SetDefault("budget.per_agent_limit_usd", 0.0)
	v.SetDefault("budget.warn_at_percent", 80.0)

	v.SetDefault("reviewer.enabled", false)
	v.SetDefault("reviewer.poll_interval_minutes", 5.0)

	v.SetDefault("projects.enabled", false)
	v.SetDefault("projects.poll_interval_minutes", 60.0)

	v.SetDefault("planning.enabled", false)
	v.SetDefault("planning.poll_interval_minutes", 60.0)

	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AUTOPILOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/autopilot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("linear.team", "LINEAR_TEAM")
	_ = v.BindEnv("auth.trackerWebhookSecret", "AUTOPILOT_TRACKER_WEBHOOK_SECRET", "LINEAR_WEBHOOK_SECRET")
	_ = v.BindEnv("auth.codeHostWebhookSecret", "AUTOPILOT_CODEHOST_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("logging.level", "AUTOPILOT_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/autopilot/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks every §6.2 range constraint and the "no newline, ≤200
// chars" rule that applies to all string fields.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Executor.Parallel < 1 || cfg.Executor.Parallel > 50 {
		errs = append(errs, "executor.parallel must be between 1 and 50")
	}
	if cfg.Executor.TimeoutMinutes < 1 || cfg.Executor.TimeoutMinutes > 480 {
		errs = append(errs, "executor.timeout_minutes must be between 1 and 480")
	}
	if cfg.Executor.MaxFixerAttempts < 0 || cfg.Executor.MaxFixerAttempts > 20 {
		errs = append(errs, "executor.max_fixer_attempts must be between 0 and 20")
	}
	if cfg.Executor.MaxRetries < 0 || cfg.Executor.MaxRetries > 20 {
		errs = append(errs, "executor.max_retries must be between 0 and 20")
	}
	if cfg.Executor.InactivityTimeoutMinutes < 1 || cfg.Executor.InactivityTimeoutMinutes > 120 {
		errs = append(errs, "executor.inactivity_timeout_minutes must be between 1 and 120")
	}
	if cfg.Executor.PollIntervalMinutes < 0.5 || cfg.Executor.PollIntervalMinutes > 60 {
		errs = append(errs, "executor.poll_interval_minutes must be between 0.5 and 60")
	}

	if cfg.Budget.DailyLimitUsd < 0 {
		errs = append(errs, "budget.daily_limit_usd must be >= 0")
	}
	if cfg.Budget.WarnAtPercent < 0 || cfg.Budget.WarnAtPercent > 100 {
		errs = append(errs, "budget.warn_at_percent must be between 0 and 100")
	}

	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	for _, f := range allStringFields(cfg) {
		if err := validateStringField(f.name, f.value); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

type namedString struct {
	name  string
	value string
}

// allStringFields lists every free-form string field the §6.2 "no newline,
// ≤200 chars" rule applies to.
func allStringFields(cfg *Config) []namedString {
	return []namedString{
		{"linear.team", cfg.Linear.Team},
		{"linear.initiative", cfg.Linear.Initiative},
		{"executor.branch_pattern", cfg.Executor.BranchPattern},
		{"executor.commit_pattern", cfg.Executor.CommitPattern},
		{"executor.model", cfg.Executor.Model},
		{"github.repo", cfg.GitHub.Repo},
		{"persistence.db_path", cfg.Persistence.DBPath},
		{"reviewer.query", cfg.Reviewer.Query},
		{"reviewer.model", cfg.Reviewer.Model},
		{"projects.model", cfg.Projects.Model},
		{"planning.model", cfg.Planning.Model},
	}
}

func validateStringField(name, value string) error {
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("%s must not contain a newline", name)
	}
	if len(value) > 200 {
		return fmt.Errorf("%s must not exceed 200 characters", name)
	}
	return nil
}
