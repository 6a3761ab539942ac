package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ethanolivertroy/vuln-ledger/internal/clients"
	"github.com/ethanolivertroy/vuln-ledger/internal/store"
	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. VULN_LEDGER_DATABASE_DSN
const EnvPrefix = "VULN_LEDGER"

// Config is the resolved application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Feed      clients.Config  `mapstructure:"feed"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type CacheConfig struct {
	Dir string        `mapstructure:"dir"`
	TTL time.Duration `mapstructure:"ttl"`
}

type ScanConfig struct {
	MaxAge                time.Duration `mapstructure:"max_age"`
	Timeout               time.Duration `mapstructure:"timeout"`
	MaxConcurrentProjects int           `mapstructure:"max_concurrent_projects"`
	AdaptiveTTL           bool          `mapstructure:"adaptive_ttl"`
}

type SchedulerConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// flagKeys maps command-line flag names to config keys
var flagKeys = map[string]string{
	"db-driver":    "database.driver",
	"db-dsn":       "database.dsn",
	"feed-url":     "feed.url",
	"hydrate":      "feed.hydrate",
	"cache-dir":    "cache.dir",
	"max-age":      "scan.max_age",
	"timeout":      "scan.timeout",
	"adaptive-ttl": "scan.adaptive_ttl",
	"schedule":     "scheduler.schedule",
	"metrics-addr": "metrics.addr",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
}

func setDefaults(v *viper.Viper) {
	feed := clients.DefaultConfig()

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")

	v.SetDefault("feed.url", feed.URL)
	v.SetDefault("feed.timeout", feed.Timeout)
	v.SetDefault("feed.batch_size", feed.BatchSize)
	v.SetDefault("feed.max_concurrent", feed.MaxConcurrent)
	v.SetDefault("feed.max_retries", feed.MaxRetries)
	v.SetDefault("feed.retry_delay", feed.RetryDelay)
	v.SetDefault("feed.max_retry_delay", feed.MaxRetryDelay)
	v.SetDefault("feed.rate_limit", feed.RateLimit)
	v.SetDefault("feed.hydrate", feed.Hydrate)

	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("scan.max_age", 24*time.Hour)
	v.SetDefault("scan.timeout", 2*time.Minute)
	v.SetDefault("scan.max_concurrent_projects", 4)
	v.SetDefault("scan.adaptive_ttl", false)

	v.SetDefault("scheduler.schedule", "@every 1h")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// Load resolves configuration from defaults, the YAML config file, .env,
// the environment and finally any flags that were set. An explicit cfgFile
// must exist; the default ./vuln-ledger.yaml is optional.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	// .env is optional and never overrides the real environment
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("vuln-ledger")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration values and reports every problem at once
func (c *Config) Validate() error {
	var problems []string

	if dialect, err := store.ParseDialect(c.Database.Driver); err != nil {
		problems = append(problems, err.Error())
	} else if dialect == store.DialectPostgres && c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required for postgres")
	}

	if c.Feed.BatchSize <= 0 || c.Feed.BatchSize > 1000 {
		problems = append(problems, fmt.Sprintf("feed.batch_size must be between 1 and 1000, got: %d", c.Feed.BatchSize))
	}
	if c.Feed.MaxConcurrent <= 0 {
		problems = append(problems, fmt.Sprintf("feed.max_concurrent must be positive, got: %d", c.Feed.MaxConcurrent))
	}
	if c.Feed.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("feed.max_retries must not be negative, got: %d", c.Feed.MaxRetries))
	}
	if c.Feed.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("feed.timeout must be positive, got: %v", c.Feed.Timeout))
	}
	if c.Feed.RateLimit < 0 {
		problems = append(problems, fmt.Sprintf("feed.rate_limit must not be negative, got: %v", c.Feed.RateLimit))
	}

	if c.Scan.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("scan.timeout must be positive, got: %v", c.Scan.Timeout))
	}
	if c.Scan.MaxConcurrentProjects <= 0 {
		problems = append(problems, fmt.Sprintf("scan.max_concurrent_projects must be positive, got: %d", c.Scan.MaxConcurrentProjects))
	}

	if _, err := cron.ParseStandard(c.Scheduler.Schedule); err != nil {
		problems = append(problems, fmt.Sprintf("scheduler.schedule %q: %v", c.Scheduler.Schedule, err))
	}

	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be json or text, got: %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
