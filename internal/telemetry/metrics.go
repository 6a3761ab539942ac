package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vuln_ledger"

// Metrics holds the Prometheus collectors of the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FeedRequests     *prometheus.CounterVec
	FeedRequestTime  *prometheus.HistogramVec
	FeedCacheLookups *prometheus.CounterVec
	ScansTotal       *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	ScanEntries      *prometheus.CounterVec
	SchedulerRuns    *prometheus.CounterVec
	InflightEntries  prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FeedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_requests_total",
			Help:      "Total number of vulnerability feed requests",
		},
		[]string{"endpoint", "outcome"},
	)
	m.FeedRequestTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_request_duration_seconds",
			Help:      "Duration of vulnerability feed requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	m.FeedCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_cache_lookups_total",
			Help:      "Advisory cache lookups by result",
		},
		[]string{"result"},
	)
	m.ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of project scans",
		},
		[]string{"result"},
	)
	m.ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of project scans in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.ScanEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_entries_total",
			Help:      "Ledger entries reported by scans, by status",
		},
		[]string{"status"},
	)
	m.SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Periodic rescans by result",
		},
		[]string{"result"},
	)
	m.InflightEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_entries",
			Help:      "Ledger entries currently claimed by a scan",
		},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FeedRequests,
		m.FeedRequestTime,
		m.FeedCacheLookups,
		m.ScansTotal,
		m.ScanDuration,
		m.ScanEntries,
		m.SchedulerRuns,
		m.InflightEntries,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFeedRequest records one HTTP exchange with the feed
func (m *Metrics) ObserveFeedRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FeedRequests.WithLabelValues(endpoint, outcome).Inc()
	m.FeedRequestTime.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveCacheLookup records an advisory cache hit or miss
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.FeedCacheLookups.WithLabelValues(result).Inc()
}

// ObserveScan records a finished scan and the status of each entry
func (m *Metrics) ObserveScan(d time.Duration, statuses map[string]int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ScansTotal.WithLabelValues(result).Inc()
	m.ScanDuration.Observe(d.Seconds())
	for status, n := range statuses {
		m.ScanEntries.WithLabelValues(status).Add(float64(n))
	}
}

// ObserveSchedulerRun records a periodic rescan
func (m *Metrics) ObserveSchedulerRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SchedulerRuns.WithLabelValues(result).Inc()
}

// AddInflight adjusts the in-flight entry gauge
func (m *Metrics) AddInflight(delta int) {
	if m == nil {
		return
	}
	m.InflightEntries.Add(float64(delta))
}

// Handler returns the /metrics handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartMetricsServer serves /metrics on addr until ctx is cancelled
func StartMetricsServer(ctx context.Context, addr string, m *Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting metrics server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
