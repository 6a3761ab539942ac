package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
	"github.com/ethanolivertroy/vuln-ledger/internal/reporter"
	"github.com/ethanolivertroy/vuln-ledger/internal/scanner"
)

var (
	flagAll         bool
	flagMaxAge      time.Duration
	flagScanTimeout time.Duration
	flagAdaptiveTTL bool
	flagFormat      string
	flagOutput      string
	flagNoFail      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [NAME]",
	Short: "Report the vulnerabilities of a project's dependencies",
	Long: `Scan a project, or every project with --all. Dependencies checked within
--max-age are answered from the ledger; the rest are looked up in OSV.
When a lookup fails the last known vulnerabilities are reported and the
entry is marked scan_failed.

Exits 1 when any dependency has known vulnerabilities, unless --no-fail.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if flagAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: withApp(runScan),
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&flagAll, "all", false, "Scan every project")
	scanCmd.Flags().DurationVar(&flagMaxAge, "max-age", 24*time.Hour, "Rescan entries last checked longer ago than this (0 forces a rescan)")
	scanCmd.Flags().DurationVar(&flagScanTimeout, "timeout", 2*time.Minute, "Overall scan timeout")
	scanCmd.Flags().BoolVar(&flagAdaptiveTTL, "adaptive-ttl", false, "Recheck severe findings more often than --max-age")
	scanCmd.Flags().StringVarP(&flagFormat, "format", "f", "terminal", "Output format: terminal, json")
	scanCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Output file path (default: stdout)")
	scanCmd.Flags().BoolVar(&flagNoFail, "no-fail", false, "Don't exit with error code if vulnerabilities are found")
}

func runScan(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	maxAge := a.cfg.Scan.MaxAge

	var reports []*models.ScanReport
	if flagAll {
		all, err := a.scanner.ScanAll(ctx, maxAge)
		reports = all
		if err != nil {
			a.logger.Error("some projects failed to scan", "error", err)
			if len(reports) == 0 {
				return err
			}
		}
	} else {
		project, err := a.projects.GetByName(ctx, args[0])
		if err != nil {
			return err
		}
		report, err := a.scanner.Scan(ctx, scanner.ScanRequest{
			ProjectID: project.ID,
			MaxAge:    maxAge,
			Timeout:   a.cfg.Scan.Timeout,
		})
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		reports = append(reports, report)
	}

	rep := reporter.Get(flagFormat)
	output, err := rep.Report(reports)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	if flagOutput != "" {
		if err := os.WriteFile(flagOutput, output, 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", flagOutput)
	} else {
		cmd.OutOrStdout().Write(output)
	}

	if flagNoFail {
		return nil
	}
	for _, r := range reports {
		if r.VulnerableEntries() > 0 {
			return errVulnerable
		}
	}
	return nil
}
