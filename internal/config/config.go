package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mapmigrate/transfer-cli/internal/matching"
	"github.com/mapmigrate/transfer-cli/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Places   PlacesConfig   `yaml:"places" mapstructure:"places"`
	Quota    QuotaConfig    `yaml:"quota" mapstructure:"quota"`
	Matching MatchingConfig `yaml:"matching" mapstructure:"matching"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Pool     PoolConfig     `yaml:"pool" mapstructure:"pool"`
	Transfer TransferConfig `yaml:"transfer" mapstructure:"transfer"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the persistence backend: sqlite for the single-user
// CLI, postgres for the hosted service.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PlacesConfig holds Google Places API settings.
type PlacesConfig struct {
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	PageSize    int    `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// QuotaConfig selects the counter store behind the rate limiter. The
// in-process store is fine for one CLI; redis shares budgets across
// processes.
type QuotaConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// MatchingConfig overrides the scoring defaults.
type MatchingConfig struct {
	NameWeight        int     `yaml:"name_weight" mapstructure:"name_weight"`
	AddressWeight     int     `yaml:"address_weight" mapstructure:"address_weight"`
	DistanceWeight    int     `yaml:"distance_weight" mapstructure:"distance_weight"`
	CategoryWeight    int     `yaml:"category_weight" mapstructure:"category_weight"`
	MaxDistanceMeters float64 `yaml:"max_distance_meters" mapstructure:"max_distance_meters"`
	MinConfidence     int     `yaml:"min_confidence" mapstructure:"min_confidence"`
	StrictMode        bool    `yaml:"strict_mode" mapstructure:"strict_mode"`
}

// Options converts the section to engine options. Unset values fall back
// to the engine defaults.
func (m MatchingConfig) Options() matching.Options {
	opts := matching.DefaultOptions()
	if m.NameWeight+m.AddressWeight+m.DistanceWeight+m.CategoryWeight > 0 {
		opts.Weights = matching.Weights{
			Name:     m.NameWeight,
			Address:  m.AddressWeight,
			Distance: m.DistanceWeight,
			Category: m.CategoryWeight,
		}
	}
	if m.MaxDistanceMeters > 0 {
		opts.MaxDistanceMeters = m.MaxDistanceMeters
	}
	if m.MinConfidence > 0 {
		opts.MinConfidenceScore = m.MinConfidence
	}
	opts.StrictMode = m.StrictMode
	return opts
}

// RetryConfig shapes provider-call backoff. The attempt budget here is only
// a default; tier guardrails replace it per run.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Resilience converts the section to a retry config.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(r.InitialBackoffMs) * time.Millisecond
	}
	if r.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	return cfg
}

// PoolConfig sizes the matching worker pool.
type PoolConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// TransferConfig sets execution defaults.
type TransferConfig struct {
	Target      string `yaml:"target" mapstructure:"target"`
	OpenBrowser bool   `yaml:"open_browser" mapstructure:"open_browser"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRANSFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "transfer.db")
	v.SetDefault("places.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("places.page_size", 10)
	v.SetDefault("places.timeout_secs", 10)
	v.SetDefault("quota.backend", "memory")
	v.SetDefault("matching.name_weight", 40)
	v.SetDefault("matching.address_weight", 30)
	v.SetDefault("matching.distance_weight", 20)
	v.SetDefault("matching.category_weight", 10)
	v.SetDefault("matching.max_distance_meters", 1000)
	v.SetDefault("matching.min_confidence", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("pool.workers", 4)
	v.SetDefault("transfer.target", "google")
	v.SetDefault("transfer.open_browser", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields the given mode needs. Modes: "local" for
// store-only commands, "match" for runs that call the places API, "serve"
// for the HTTP facade (which can also start runs).
func (c *Config) Validate(mode string) error {
	problems := c.storeProblems()

	switch mode {
	case "local":
	case "match":
		problems = append(problems, c.matchProblems()...)
	case "serve":
		problems = append(problems, c.matchProblems()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) storeProblems() []string {
	var problems []string
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	return problems
}

func (c *Config) matchProblems() []string {
	var problems []string

	if c.Places.APIKey == "" {
		problems = append(problems, "places.api_key is required")
	}
	switch c.Quota.Backend {
	case "memory":
	case "redis":
		if c.Quota.RedisURL == "" {
			problems = append(problems, "quota.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("quota.backend must be memory or redis, got %q", c.Quota.Backend))
	}
	if c.Pool.Workers < 1 || c.Pool.Workers > 32 {
		problems = append(problems, "pool.workers must be between 1 and 32")
	}
	if m := c.Matching; m.NameWeight < 0 || m.AddressWeight < 0 || m.DistanceWeight < 0 || m.CategoryWeight < 0 {
		problems = append(problems, "matching weights must be >= 0")
	}
	if c.Matching.MinConfidence < 0 || c.Matching.MinConfidence > 100 {
		problems = append(problems, "matching.min_confidence must be between 0 and 100")
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
