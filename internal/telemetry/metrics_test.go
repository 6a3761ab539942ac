package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()

	m.ObserveFeedRequest("querybatch", "ok", 120*time.Millisecond)
	m.ObserveFeedRequest("querybatch", "retry", 10*time.Millisecond)
	m.ObserveCacheLookup(true)
	m.ObserveScan(time.Second, map[string]int{"fresh": 2, "rescanned": 1}, nil)
	m.ObserveSchedulerRun(errors.New("boom"))
	m.AddInflight(2)
	m.AddInflight(-1)

	body := scrape(t, m)
	assert.Contains(t, body, `vuln_ledger_feed_requests_total{endpoint="querybatch",outcome="ok"} 1`)
	assert.Contains(t, body, `vuln_ledger_feed_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, body, `vuln_ledger_scan_entries_total{status="fresh"} 2`)
	assert.Contains(t, body, `vuln_ledger_scans_total{result="ok"} 1`)
	assert.Contains(t, body, `vuln_ledger_scheduler_runs_total{result="error"} 1`)
	assert.Contains(t, body, `vuln_ledger_inflight_entries 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFeedRequest("querybatch", "ok", time.Second)
		m.ObserveCacheLookup(false)
		m.ObserveScan(time.Second, nil, nil)
		m.ObserveSchedulerRun(nil)
		m.AddInflight(1)
	})
}
