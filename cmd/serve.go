package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ethanolivertroy/vuln-ledger/internal/scheduler"
	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

var (
	flagSchedule    string
	flagMetricsAddr string
	flagRunNow      bool
	flagServeMaxAge time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Rescan every project on a schedule and expose Prometheus metrics",
	Long: `Run in the foreground, rescanning every project on the configured cron
schedule with the configured --max-age. Metrics are served on
--metrics-addr at /metrics. Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: withApp(runServe),
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&flagSchedule, "schedule", "@every 1h", "Cron schedule for rescans")
	serveCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "Metrics listen address (empty disables)")
	serveCmd.Flags().DurationVar(&flagServeMaxAge, "max-age", 24*time.Hour, "Rescan entries last checked longer ago than this")
	serveCmd.Flags().BoolVar(&flagRunNow, "run-now", false, "Run a scan immediately on startup")
}

func runServe(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(a.cfg.Scheduler.Schedule, a.scanner, a.cfg.Scan.MaxAge, a.metrics, a.logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return telemetry.StartMetricsServer(ctx, addr, a.metrics, a.logger)
		})
	}
	g.Go(func() error {
		if flagRunNow {
			// A failed first run is logged and counted; the schedule continues.
			_ = sched.RunOnce(ctx)
		}
		sched.Start(ctx)
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
