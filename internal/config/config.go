package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the agent runtime.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Cron    CronConfig    `yaml:"cron"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the transport boundary.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StoreConfig configures the durable conversation/work-item store.
type StoreConfig struct {
	// Path is the sqlite database file path.
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig holds boundary-concern knobs surfaced in config but not read
// by the runtime core; authentication itself is middleware upstream of it.
type AuthConfig struct {
	Enabled        bool          `yaml:"auth_enabled"`
	JWTAccessTTL   time.Duration `yaml:"jwt_access_ttl"`
	JWTRefreshTTL  time.Duration `yaml:"jwt_refresh_ttl"`
}

// SessionConfig controls conversation lifecycle and context assembly.
type SessionConfig struct {
	// RecentWindow is the number of most recent messages kept verbatim.
	RecentWindow int `yaml:"recent_window"`

	// SummaryThreshold is the total-message count above which a rolling
	// summary is produced and prepended to the recent window.
	SummaryThreshold int `yaml:"summary_threshold"`

	// SummaryRefreshGap is how many new messages must accumulate since the
	// last summary before it is regenerated.
	SummaryRefreshGap int `yaml:"summary_refresh_gap"`

	Pruning ContextPruningConfig `yaml:"pruning"`
}

// ContextPruningConfig controls in-memory tool-result pruning applied
// before a turn's messages are handed to the model client.
type ContextPruningConfig struct {
	Mode                 string                       `yaml:"mode"`
	TTL                  *time.Duration               `yaml:"ttl"`
	KeepLastAssistants   *int                         `yaml:"keep_last_assistants"`
	SoftTrimRatio        *float64                     `yaml:"soft_trim_ratio"`
	HardClearRatio       *float64                     `yaml:"hard_clear_ratio"`
	MinPrunableToolChars *int                         `yaml:"min_prunable_tool_chars"`
	Tools                ContextPruningToolMatchConfig `yaml:"tools"`
	SoftTrim             ContextPruningSoftTrimConfig  `yaml:"soft_trim"`
	HardClear            ContextPruningHardClearConfig `yaml:"hard_clear"`
}

// ContextPruningToolMatchConfig selects which tool results are prunable.
type ContextPruningToolMatchConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ContextPruningSoftTrimConfig configures soft trimming of stale tool results.
type ContextPruningSoftTrimConfig struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

// ContextPruningHardClearConfig configures hard clearing of stale tool results.
type ContextPruningHardClearConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}

// ToolsConfig controls tool invocation policy and resource limits.
type ToolsConfig struct {
	Execution ToolExecutionConfig `yaml:"execution"`
	Policy    ToolPolicyConfig    `yaml:"policy"`
}

// ToolExecutionConfig controls the tool loop's per-round execution behavior.
type ToolExecutionConfig struct {
	// MaxRounds caps tool-use rounds within a single turn.
	MaxRounds int `yaml:"max_rounds"`

	// PerToolTimeout bounds a single tool invocation.
	PerToolTimeout time.Duration `yaml:"per_tool_timeout"`

	// MaxAttempts is the retry budget for a retryable tool error.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the delay between retry attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// ResultHardMax is the absolute ceiling on a truncated tool result, in bytes.
	ResultHardMax int `yaml:"result_hard_max"`

	// ResultMinKeep is the floor below which a tool result is never truncated.
	ResultMinKeep int `yaml:"result_min_keep"`
}

// ToolPolicyConfig configures per-tool allow/deny rules, rate limits, and
// filesystem path restrictions enforced by the tool invoker.
type ToolPolicyConfig struct {
	// Allowlist contains tool names or "group:*" patterns always permitted.
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tool names or patterns always denied.
	Denylist []string `yaml:"denylist"`

	// PathAllowlist restricts filesystem-touching tools to these root prefixes.
	PathAllowlist []string `yaml:"path_allowlist"`

	// RateLimits maps a tool name to a requests-per-window budget.
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
}

// RateLimitConfig defines a sliding-window rate limit for one tool.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// CronConfig configures scheduled jobs run outside a user turn.
type CronConfig struct {
	Enabled bool            `yaml:"enabled"`
	Jobs    []CronJobConfig `yaml:"jobs"`
}

// CronJobConfig defines a scheduled job.
type CronJobConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Timezone string `yaml:"timezone"`
	AgentID  string `yaml:"agent_id"`
	Prompt   string `yaml:"prompt"`
}

// TasksConfig configures the bounded background task queue.
type TasksConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxConcurrency is the semaphore size for concurrently running tasks.
	MaxConcurrency int `yaml:"max_concurrency"`

	// QueueDepth is the maximum number of tasks waiting for a slot.
	QueueDepth int `yaml:"queue_depth"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes parses config from in-memory YAML, applying the same
// defaults and validation as Load. Primarily used by tests.
func LoadBytes(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyAuthDefaults(&cfg.Auth)
	applySessionDefaults(&cfg.Session)
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applyTasksDefaults(&cfg.Tasks)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Path == "" {
		cfg.Path = "agentcore.db"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 8
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.JWTAccessTTL == 0 {
		cfg.JWTAccessTTL = 15 * time.Minute
	}
	if cfg.JWTRefreshTTL == 0 {
		cfg.JWTRefreshTTL = 30 * 24 * time.Hour
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.RecentWindow == 0 {
		cfg.RecentWindow = 20
	}
	if cfg.SummaryThreshold == 0 {
		cfg.SummaryThreshold = 30
	}
	if cfg.SummaryRefreshGap == 0 {
		cfg.SummaryRefreshGap = 20
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
	if cfg.Routing.UnhealthyCooldown == 0 {
		cfg.Routing.UnhealthyCooldown = 2 * time.Minute
	}
	if cfg.Routing.ComplexityThreshold == 0 {
		cfg.Routing.ComplexityThreshold = 50
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Execution.MaxRounds == 0 {
		cfg.Execution.MaxRounds = 5
	}
	if cfg.Execution.PerToolTimeout == 0 {
		cfg.Execution.PerToolTimeout = 30 * time.Second
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 1
	}
	if cfg.Execution.RetryBackoff == 0 {
		cfg.Execution.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Execution.ResultHardMax == 0 {
		cfg.Execution.ResultHardMax = 100000
	}
	if cfg.Execution.ResultMinKeep == 0 {
		cfg.Execution.ResultMinKeep = 2000
	}
}

func applyTasksDefaults(cfg *TasksConfig) {
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 100
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_STORE_PATH")); value != "" {
		cfg.Store.Path = value
	}
}

// ConfigValidationError aggregates config validation failures.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var issues []string

	if cfg.Session.RecentWindow <= 0 {
		issues = append(issues, "session.recent_window must be > 0")
	}
	if cfg.Session.SummaryThreshold <= cfg.Session.RecentWindow {
		issues = append(issues, "session.summary_threshold must be greater than session.recent_window")
	}

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" && len(cfg.LLM.Providers) > 0 {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	if cfg.LLM.Routing.ComplexityThreshold < 0 || cfg.LLM.Routing.ComplexityThreshold > 100 {
		issues = append(issues, "llm.routing.complexity_threshold must be in [0,100]")
	}

	if cfg.Tools.Execution.MaxRounds <= 0 {
		issues = append(issues, "tools.execution.max_rounds must be > 0")
	}
	if cfg.Tools.Execution.ResultMinKeep > cfg.Tools.Execution.ResultHardMax {
		issues = append(issues, "tools.execution.result_min_keep must be <= result_hard_max")
	}

	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
			}
			if strings.TrimSpace(job.Schedule) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
			}
		}
	}

	if cfg.Tasks.MaxConcurrency < 0 {
		issues = append(issues, "tasks.max_concurrency must be >= 0")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
