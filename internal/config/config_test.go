package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "https://api.osv.dev", cfg.Feed.URL)
	assert.Equal(t, 100, cfg.Feed.BatchSize)
	assert.True(t, cfg.Feed.Hydrate)
	assert.Equal(t, 24*time.Hour, cfg.Scan.MaxAge)
	assert.Equal(t, "@every 1h", cfg.Scheduler.Schedule)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Scan.AdaptiveTTL)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := `
database:
  driver: postgres
  dsn: postgres://localhost/ledger
feed:
  batch_size: 250
  retry_delay: 5s
scan:
  max_age: 6h
  adaptive_ttl: true
log:
  level: warn
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vuln-ledger.yaml"), []byte(yaml), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("VULN_LEDGER_FEED_MAX_RETRIES=7\n"), 0644))
	t.Setenv("VULN_LEDGER_FEED_BATCH_SIZE", "50")
	// godotenv writes the process environment; register the key so it is restored
	t.Setenv("VULN_LEDGER_FEED_MAX_RETRIES", "")
	os.Unsetenv("VULN_LEDGER_FEED_MAX_RETRIES")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Duration("max-age", 24*time.Hour, "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Feed.BatchSize, "env beats file")
	assert.Equal(t, 7, cfg.Feed.MaxRetries, ".env is loaded")
	assert.Equal(t, 5*time.Second, cfg.Feed.RetryDelay)
	assert.Equal(t, 6*time.Hour, cfg.Scan.MaxAge, "unset flag does not override file")
	assert.True(t, cfg.Scan.AdaptiveTTL)
	assert.Equal(t, "debug", cfg.Log.Level, "flag beats file")
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("missing.yaml", nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("", nil)
	require.NoError(t, err)

	tests := map[string]func(c *Config){
		"driver":        func(c *Config) { c.Database.Driver = "mysql" },
		"postgres dsn":  func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" },
		"batch size":    func(c *Config) { c.Feed.BatchSize = 1001 },
		"concurrency":   func(c *Config) { c.Feed.MaxConcurrent = 0 },
		"retries":       func(c *Config) { c.Feed.MaxRetries = -1 },
		"scan timeout":  func(c *Config) { c.Scan.Timeout = 0 },
		"schedule":      func(c *Config) { c.Scheduler.Schedule = "every hour" },
		"log level":     func(c *Config) { c.Log.Level = "loud" },
		"log format":    func(c *Config) { c.Log.Format = "xml" },
		"project limit": func(c *Config) { c.Scan.MaxConcurrentProjects = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}
