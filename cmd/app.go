package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ethanolivertroy/vuln-ledger/internal/cache"
	"github.com/ethanolivertroy/vuln-ledger/internal/clients"
	"github.com/ethanolivertroy/vuln-ledger/internal/config"
	"github.com/ethanolivertroy/vuln-ledger/internal/scanner"
	"github.com/ethanolivertroy/vuln-ledger/internal/store"
	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

// app holds the components a command works with
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	db      *store.DB
	cache   *cache.Cache
	feed    *clients.OSVClient
	scanner *scanner.Scanner

	projects *store.Projects
	catalog  *store.Catalog
	vulns    *store.Vulnerabilities
	ledger   *store.Ledger

	logCloser io.Closer
}

// newApp loads configuration for cmd and opens the ledger
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(flagConfig, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := telemetry.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   telemetry.NewMetrics(),
		logCloser: logCloser,
	}

	a.db, err = store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	opts := []clients.Option{
		clients.WithMetrics(a.metrics),
		clients.WithLogger(logger),
	}
	a.cache, err = cache.New(cfg.Cache.Dir, "vuln-ledger", cfg.Cache.TTL)
	if err != nil {
		// Hydration still works uncached
		logger.Warn("advisory cache disabled", "error", err)
	} else {
		opts = append(opts, clients.WithCache(a.cache))
	}
	a.feed = clients.NewOSVClient(cfg.Feed, opts...)

	clock := store.SystemClock{}
	a.scanner = scanner.New(a.db, a.feed, scanner.Config{
		Timeout:               cfg.Scan.Timeout,
		MaxConcurrentProjects: cfg.Scan.MaxConcurrentProjects,
		AdaptiveTTL:           cfg.Scan.AdaptiveTTL,
		Clock:                 clock,
		Logger:                logger,
		Metrics:               a.metrics,
	})
	a.projects = store.NewProjects(a.db, clock)
	a.catalog = store.NewCatalog(a.db, clock)
	a.vulns = store.NewVulnerabilities(a.db, clock)
	a.ledger = store.NewLedger(a.db, clock)
	return a, nil
}

// Close releases the database and log file
func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close ledger", "error", err)
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// withApp runs fn with an initialized app and closes it afterwards
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}
