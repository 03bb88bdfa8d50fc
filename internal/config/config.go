// Package config loads threadgate configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/threadgate/internal/auth"
	"github.com/haasonsaas/threadgate/internal/ratelimit"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// Config is the main configuration structure for threadgate.
type Config struct {
	Version      int                 `yaml:"version"`
	Server       ServerConfig        `yaml:"server"`
	Database     DatabaseConfig      `yaml:"database"`
	Auth         AuthConfig          `yaml:"auth"`
	Tenants      []auth.TenantConfig `yaml:"tenants"`
	Agents       AgentsConfig        `yaml:"agents"`
	LLM          LLMConfig           `yaml:"llm"`
	Storage      StorageConfig       `yaml:"storage"`
	Dedup        DedupConfig         `yaml:"dedup"`
	Generation   GenerationConfig    `yaml:"generation"`
	Worker       WorkerConfig        `yaml:"worker"`
	Integrations IntegrationsConfig  `yaml:"integrations"`
	Automations  AutomationsConfig   `yaml:"automations"`
	Logging      LoggingConfig       `yaml:"logging"`
	Tracing      TracingConfig       `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	// RateLimit throttles POST routes per caller.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// DatabaseConfig selects the persistence backend. An empty URL keeps all
// state in memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	JWTSecret       string              `yaml:"jwt_secret"`
	Issuer          string              `yaml:"issuer"`
	TokenExpiry     time.Duration       `yaml:"token_expiry"`
	APIKeys         []auth.APIKeyConfig `yaml:"api_keys"`
	AnonymousUserID string              `yaml:"anonymous_user_id"`
}

// AgentsConfig lists the agents that can answer threads.
type AgentsConfig struct {
	Default string        `yaml:"default"`
	List    []AgentConfig `yaml:"list"`
}

type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	Streaming    *bool    `yaml:"streaming"`
	MaxSteps     int      `yaml:"max_steps"`
	Tools        []string `yaml:"tools"`
	TeamScopeIDs []string `yaml:"team_scope_ids"`
}

// Models converts agent entries into domain configs.
func (a AgentsConfig) Models() []models.AgentConfig {
	out := make([]models.AgentConfig, 0, len(a.List))
	for _, entry := range a.List {
		streaming := true
		if entry.Streaming != nil {
			streaming = *entry.Streaming
		}
		out = append(out, models.AgentConfig{
			ID:           entry.ID,
			Name:         entry.Name,
			Model:        entry.Model,
			SystemPrompt: entry.SystemPrompt,
			Streaming:    streaming,
			MaxSteps:     entry.MaxSteps,
			Tools:        append([]string(nil), entry.Tools...),
			TeamScopeIDs: append([]string(nil), entry.TeamScopeIDs...),
		})
	}
	return out
}

type LLMConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// StorageConfig selects how attachment storage refs become URLs.
type StorageConfig struct {
	// Backend is "s3", "local" or "none".
	Backend string        `yaml:"backend"`
	S3      S3Config      `yaml:"s3"`
	Local   LocalFSConfig `yaml:"local"`
}

type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	URLTTL          time.Duration `yaml:"url_ttl"`
}

type LocalFSConfig struct {
	BasePath string `yaml:"base_path"`
	BaseURL  string `yaml:"base_url"`
}

type DedupConfig struct {
	HistoryLimit int           `yaml:"history_limit"`
	MaxAge       time.Duration `yaml:"max_age"`
}

type GenerationConfig struct {
	DefaultMaxSteps int `yaml:"default_max_steps"`
	HistoryLimit    int `yaml:"history_limit"`
}

type WorkerConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	AcquireInterval time.Duration `yaml:"acquire_interval"`
	LockDuration    time.Duration `yaml:"lock_duration"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// IsEnabled defaults to true.
func (w WorkerConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type IntegrationsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	APIURL   string `yaml:"api_url"`
}

type WebhookConfig struct {
	Enabled      bool          `yaml:"enabled"`
	AllowedHosts []string      `yaml:"allowed_hosts"`
	Secret       string        `yaml:"secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AutomationsConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// IsEnabled defaults to true.
func (a AutomationsConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a defaulted configuration without reading a file.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "gpt-4o"
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "none"
	}
	if cfg.Dedup.HistoryLimit == 0 {
		cfg.Dedup.HistoryLimit = 10
	}
	if cfg.Generation.DefaultMaxSteps == 0 {
		cfg.Generation.DefaultMaxSteps = 10
	}
	if cfg.Generation.HistoryLimit == 0 {
		cfg.Generation.HistoryLimit = 50
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 5
	}
	if cfg.Worker.AcquireInterval == 0 {
		cfg.Worker.AcquireInterval = time.Second
	}
	if cfg.Worker.LockDuration == 0 {
		cfg.Worker.LockDuration = 10 * time.Minute
	}
	if cfg.Worker.JobTimeout == 0 {
		cfg.Worker.JobTimeout = 5 * time.Minute
	}
	if cfg.Worker.CleanupInterval == 0 {
		cfg.Worker.CleanupInterval = time.Minute
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Integrations.Webhook.Timeout == 0 {
		cfg.Integrations.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Automations.TickInterval == 0 {
		cfg.Automations.TickInterval = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "threadgate"
	}
}

// Validate reports every invalid setting in a single error.
func (c *Config) Validate() error {
	switch {
	case c.Version > CurrentVersion:
		return fmt.Errorf("config version %d is newer than this build (current: %d)", c.Version, CurrentVersion)
	case c.Version < CurrentVersion:
		return fmt.Errorf("config version %d is unsupported (current: %d)", c.Version, CurrentVersion)
	}
	var problems []string
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, "server.http_port must be between 0 and 65535")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		problems = append(problems, "server.rate_limit.requests_per_second must be positive when enabled")
	}

	seenTenants := map[string]bool{}
	for i, tenant := range c.Tenants {
		id := strings.TrimSpace(tenant.ID)
		if id == "" {
			problems = append(problems, fmt.Sprintf("tenants[%d].id is required", i))
			continue
		}
		if seenTenants[id] {
			problems = append(problems, fmt.Sprintf("tenants[%d].id %q is duplicated", i, id))
		}
		seenTenants[id] = true
	}

	if len(c.Agents.List) == 0 {
		problems = append(problems, "agents.list must declare at least one agent")
	}
	seenAgents := map[string]bool{}
	for i, agent := range c.Agents.List {
		id := strings.TrimSpace(agent.ID)
		if id == "" {
			problems = append(problems, fmt.Sprintf("agents.list[%d].id is required", i))
			continue
		}
		if seenAgents[id] {
			problems = append(problems, fmt.Sprintf("agents.list[%d].id %q is duplicated", i, id))
		}
		seenAgents[id] = true
		if agent.MaxSteps < 0 {
			problems = append(problems, fmt.Sprintf("agents.list[%d].max_steps must not be negative", i))
		}
	}
	if c.Agents.Default != "" && !seenAgents[c.Agents.Default] {
		problems = append(problems, fmt.Sprintf("agents.default %q is not declared", c.Agents.Default))
	}

	switch c.Storage.Backend {
	case "none":
	case "s3":
		if strings.TrimSpace(c.Storage.S3.Bucket) == "" {
			problems = append(problems, "storage.s3.bucket is required for the s3 backend")
		}
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseURL) == "" {
			problems = append(problems, "storage.local.base_url is required for the local backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q must be s3, local or none", c.Storage.Backend))
	}

	if c.Dedup.HistoryLimit < 0 || c.Dedup.MaxAge < 0 {
		problems = append(problems, "dedup.history_limit and dedup.max_age must not be negative")
	}
	if c.Generation.DefaultMaxSteps < 0 {
		problems = append(problems, "generation.default_max_steps must not be negative")
	}
	if c.Worker.Concurrency < 0 {
		problems = append(problems, "worker.concurrency must not be negative")
	}
	if c.Integrations.Slack.Enabled && strings.TrimSpace(c.Integrations.Slack.BotToken) == "" {
		problems = append(problems, "integrations.slack.bot_token is required when slack is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		problems = append(problems, "tracing.sampling_rate must be between 0 and 1")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
