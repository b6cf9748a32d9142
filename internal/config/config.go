// Package config defines webster's configuration schema and loading rules.
// Configuration is read once at startup and treated as immutable afterwards;
// no component watches for changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/websterhq/webster/internal/errdefs"
)

// Config is the root configuration for the webster server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LM        LMConfig        `yaml:"lm"`
	Browser   BrowserConfig   `yaml:"browser"`
	Actions   ActionsConfig   `yaml:"actions"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Tools     ToolsConfig     `yaml:"tools"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener and the agent card it advertises.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Name and Description populate the agent card.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// PublicURL is the externally reachable base URL advertised in the
	// agent card. Defaults to http://{host}:{port}.
	PublicURL string `yaml:"public_url"`

	// AuthToken enables static bearer-token auth when set.
	AuthToken string `yaml:"auth_token"`

	// JWTSecret enables HS256 JWT validation when set. Takes precedence
	// over AuthToken.
	JWTSecret string `yaml:"jwt_secret"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	// URL is the postgres DSN. Required for the postgres driver.
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LMConfig configures the language-model gateway.
type LMConfig struct {
	// Provider is "openai", "anthropic" or "gemini".
	Provider string `yaml:"provider"`
	// Model is the provider model identifier, e.g. "gpt-4o-mini".
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Timeout bounds a single model call.
	Timeout time.Duration `yaml:"timeout"`

	// CacheTTL and CacheSize tune the in-memory fingerprint cache.
	// CacheTTL zero disables the cache.
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// BrowserConfig tunes the browser pool and per-step timeouts.
type BrowserConfig struct {
	PoolSize int  `yaml:"pool_size"`
	Headless bool `yaml:"headless"`

	// AcquireTimeout bounds how long a task waits for a free context.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// NavigationTimeout bounds page navigations.
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	// SelectorTimeout bounds waits for elements to appear.
	SelectorTimeout time.Duration `yaml:"selector_timeout"`

	UserAgent string `yaml:"user_agent"`
}

// ActionsConfig tunes the web action interpreter.
type ActionsConfig struct {
	// CorrectionRetries is how many repaired re-executions a failing step
	// gets before the run fails.
	CorrectionRetries int `yaml:"correction_retries"`
	// ScreenshotEveryStep captures a screenshot after each primitive when
	// true. Failures to capture never fail the run.
	ScreenshotEveryStep bool `yaml:"screenshot_every_step"`
}

// TasksConfig tunes the executor.
type TasksConfig struct {
	Workers             int `yaml:"workers"`
	QueueDepth          int `yaml:"queue_depth"`
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	MaxRetries          int `yaml:"max_retries"`
	QueueTimeoutSeconds int `yaml:"queue_timeout_seconds"`
}

// ToolsConfig tunes the registry.
type ToolsConfig struct {
	// GenerationParallelism caps concurrent description generations at
	// startup.
	GenerationParallelism int `yaml:"generation_parallelism"`
	// AllowHighRisk permits high-risk tools without a per-call approval
	// token.
	AllowHighRisk bool `yaml:"allow_high_risk"`
}

// ArtifactsConfig selects where screenshots are written.
type ArtifactsConfig struct {
	// Backend is "local" or "s3".
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the S3-compatible artifact backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// EventsConfig selects the task event fan-out backend.
type EventsConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis event backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls the OTLP trace exporter. Tracing is off unless an
// endpoint is set.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, defaults and validates the configuration at path.
// An empty path yields the built-in defaults with env credentials applied.
func Load(path string) (*Config, error) {
	var cfg *Config
	if strings.TrimSpace(path) == "" {
		cfg = &Config{}
	} else {
		raw, err := loadTree(path)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfigInvalid, err, "read config")
		}
		cfg, err = decodeTree(raw)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfigInvalid, err, "parse config")
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7860
	}
	if c.Server.Name == "" {
		c.Server.Name = "webster"
	}
	if c.Server.Description == "" {
		c.Server.Description = "Browser automation tools over JSON-RPC"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Long enough for sync tools/call; SSE bypasses it via flushing.
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Database.Driver == "" {
		if c.Database.URL != "" {
			c.Database.Driver = "postgres"
		} else {
			c.Database.Driver = "memory"
		}
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 25
	}
	if c.Database.MaxIdle == 0 {
		c.Database.MaxIdle = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.LM.Provider == "" {
		c.LM.Provider = "openai"
	}
	if c.LM.Model == "" {
		c.LM.Model = defaultModelFor(c.LM.Provider)
	}
	if c.LM.Timeout == 0 {
		c.LM.Timeout = 30 * time.Second
	}
	if c.LM.CacheTTL == 0 {
		c.LM.CacheTTL = time.Hour
	}
	if c.LM.CacheSize == 0 {
		c.LM.CacheSize = 512
	}

	if c.Browser.PoolSize == 0 {
		c.Browser.PoolSize = 3
	}
	if c.Browser.AcquireTimeout == 0 {
		c.Browser.AcquireTimeout = 60 * time.Second
	}
	if c.Browser.NavigationTimeout == 0 {
		c.Browser.NavigationTimeout = 30 * time.Second
	}
	if c.Browser.SelectorTimeout == 0 {
		c.Browser.SelectorTimeout = 10 * time.Second
	}

	if c.Actions.CorrectionRetries == 0 {
		c.Actions.CorrectionRetries = 3
	}

	if c.Tasks.Workers == 0 {
		c.Tasks.Workers = 3
	}
	if c.Tasks.QueueDepth == 0 {
		c.Tasks.QueueDepth = 100
	}
	if c.Tasks.TimeoutSeconds == 0 {
		c.Tasks.TimeoutSeconds = 300
	}
	if c.Tasks.MaxRetries == 0 {
		c.Tasks.MaxRetries = 2
	}
	if c.Tasks.QueueTimeoutSeconds == 0 {
		c.Tasks.QueueTimeoutSeconds = 600
	}

	if c.Tools.GenerationParallelism == 0 {
		c.Tools.GenerationParallelism = 4
	}

	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "local"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "screenshots"
	}

	if c.Events.Backend == "" {
		c.Events.Backend = "memory"
	}
	if c.Events.Redis.Addr == "" {
		c.Events.Redis.Addr = "localhost:6379"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

// applyEnv overlays credential material from the environment. Explicit
// config values win; env fills gaps only.
func (c *Config) applyEnv() {
	if c.Database.URL == "" {
		c.Database.URL = os.Getenv("WEBSTER_DATABASE_URL")
		if c.Database.URL != "" && c.Database.Driver == "memory" {
			c.Database.Driver = "postgres"
		}
	}
	if c.LM.APIKey == "" {
		switch c.LM.Provider {
		case "openai":
			c.LM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			c.LM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			c.LM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Server.AuthToken == "" {
		c.Server.AuthToken = os.Getenv("WEBSTER_AUTH_TOKEN")
	}
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = os.Getenv("WEBSTER_JWT_SECRET")
	}
	if c.Artifacts.S3.AccessKey == "" {
		c.Artifacts.S3.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.Artifacts.S3.SecretKey == "" {
		c.Artifacts.S3.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errdefs.Newf(errdefs.KindConfigInvalid, "server.port %d out of range", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errdefs.New(errdefs.KindConfigInvalid, "database.url is required for the postgres driver")
		}
	case "memory":
	default:
		return errdefs.Newf(errdefs.KindConfigInvalid, "database.driver %q is not one of postgres, memory", c.Database.Driver)
	}

	switch c.LM.Provider {
	case "openai", "anthropic", "gemini":
	default:
		return errdefs.Newf(errdefs.KindConfigInvalid, "lm.provider %q is not one of openai, anthropic, gemini", c.LM.Provider)
	}

	if c.Browser.PoolSize < 1 {
		return errdefs.Newf(errdefs.KindConfigInvalid, "browser.pool_size %d must be at least 1", c.Browser.PoolSize)
	}
	if c.Tasks.Workers < 1 {
		return errdefs.Newf(errdefs.KindConfigInvalid, "tasks.workers %d must be at least 1", c.Tasks.Workers)
	}
	if c.Tasks.QueueDepth < 1 {
		return errdefs.Newf(errdefs.KindConfigInvalid, "tasks.queue_depth %d must be at least 1", c.Tasks.QueueDepth)
	}
	if c.Tasks.MaxRetries < 0 {
		return errdefs.Newf(errdefs.KindConfigInvalid, "tasks.max_retries %d must not be negative", c.Tasks.MaxRetries)
	}

	switch c.Artifacts.Backend {
	case "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return errdefs.New(errdefs.KindConfigInvalid, "artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		return errdefs.Newf(errdefs.KindConfigInvalid, "artifacts.backend %q is not one of local, s3", c.Artifacts.Backend)
	}

	switch c.Events.Backend {
	case "memory", "redis":
	default:
		return errdefs.Newf(errdefs.KindConfigInvalid, "events.backend %q is not one of memory, redis", c.Events.Backend)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return errdefs.Newf(errdefs.KindConfigInvalid, "logging.format %q is not one of json, text", c.Logging.Format)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return errdefs.Newf(errdefs.KindConfigInvalid, "tracing.sampling_rate %v must be within [0, 1]", c.Tracing.SamplingRate)
	}

	return nil
}

// BaseURL returns the advertised base URL for the agent card.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	host := c.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "gpt-4o-mini"
	}
}
