package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagDBDriver  string
	flagDBDSN     string
	flagFeedURL   string
	flagHydrate   bool
	flagCacheDir  string
	flagLogLevel  string
	flagLogFormat string
	flagLogFile   string
)

// errVulnerable signals that a scan succeeded but found vulnerabilities
var errVulnerable = errors.New("vulnerabilities found")

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vuln-ledger",
	Short: "Track project dependencies and their known vulnerabilities",
	Long: `vuln-ledger keeps a ledger of the dependencies each of your projects
declares and the vulnerabilities the OSV database reports for them.

Scans are served from the ledger when entries were checked recently, and
only stale entries are sent to the feed. A failed lookup never discards
what the ledger already knows.

It reads manifests from multiple ecosystems:
  - Python: requirements.txt, pyproject.toml
  - Node.js: package-lock.json
  - Go: go.mod

Examples:
  # Track a project and its pinned requirements
  vuln-ledger project create web-app --manifest requirements.txt

  # Scan, rechecking anything older than six hours
  vuln-ledger scan web-app --max-age 6h

  # Scan every project and output JSON
  vuln-ledger scan --all --format json

  # Rescan periodically and expose Prometheus metrics
  vuln-ledger serve --schedule "@every 30m"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, errVulnerable):
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default: ./vuln-ledger.yaml)")
	pf.StringVar(&flagDBDriver, "db-driver", "sqlite", "Database driver: sqlite, postgres")
	pf.StringVar(&flagDBDSN, "db-dsn", "", "Database path or connection string (default: vuln-ledger.db)")
	pf.StringVar(&flagFeedURL, "feed-url", "", "OSV API base URL")
	pf.BoolVar(&flagHydrate, "hydrate", true, "Fetch full advisory records for every finding")
	pf.StringVar(&flagCacheDir, "cache-dir", "", "Advisory cache directory (default: user cache dir)")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&flagLogFormat, "log-format", "json", "Log format: json, text")
	pf.StringVar(&flagLogFile, "log-file", "", "Also write JSON logs to this file")
}
