package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanolivertroy/vuln-ledger/internal/cache"
	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

// fakeOSV answers querybatch from a table keyed by "name@version"
type fakeOSV struct {
	mu       sync.Mutex
	vulns    map[string][]string
	batches  [][]osvQuery
	status   []int // served in order before falling back to 200
	detail   map[string]string
	hydrated atomic.Int32
}

func (f *fakeOSV) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/querybatch", func(w http.ResponseWriter, r *http.Request) {
		var req osvBatchRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.batches = append(f.batches, req.Queries)
		if len(f.status) > 0 {
			code := f.status[0]
			f.status = f.status[1:]
			f.mu.Unlock()
			w.WriteHeader(code)
			fmt.Fprint(w, `{"error":"unavailable"}`)
			return
		}
		f.mu.Unlock()

		var out strings.Builder
		out.WriteString(`{"results":[`)
		for i, q := range req.Queries {
			if i > 0 {
				out.WriteString(",")
			}
			out.WriteString(`{"vulns":[`)
			out.WriteString(strings.Join(f.vulns[q.Package.Name+"@"+q.Version], ","))
			out.WriteString(`]}`)
		}
		out.WriteString(`]}`)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, out.String())
	})
	mux.HandleFunc("GET /v1/vulns/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.hydrated.Add(1)
		d, ok := f.detail[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, d)
	})
	return mux
}

func (f *fakeOSV) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestClient(t *testing.T, f *fakeOSV, cfg Config, opts ...Option) *OSVClient {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg.URL = srv.URL
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	opts = append([]Option{WithLogger(telemetry.Discard())}, opts...)
	return NewOSVClient(cfg, opts...)
}

func pypi(name, version string) models.Package {
	return models.Package{Name: name, Version: version, Ecosystem: models.EcosystemPyPI}
}

func TestQueryBatchFindings(t *testing.T) {
	f := &fakeOSV{vulns: map[string][]string{
		"requests@2.25.0": {`{"id":"GHSA-xxxx","summary":"Proxy leak","modified":"2024-01-02T03:04:05Z","database_specific":{"severity":"MODERATE"}}`},
	}}
	c := newTestClient(t, f, Config{})

	req, flask := pypi("requests", "2.25.0"), pypi("flask", "2.0.0")
	results := c.QueryBatch(context.Background(), []models.Package{req, flask, req})

	require.Len(t, results, 2)
	assert.Equal(t, 1, f.requests())

	got := results[req]
	require.False(t, got.Failed())
	require.Len(t, got.Findings, 1)
	finding := got.Findings[0]
	assert.Equal(t, "GHSA-xxxx", finding.ExternalID)
	assert.Equal(t, "Proxy leak", finding.Summary)
	assert.Equal(t, models.SeverityModerate, finding.Severity)
	assert.True(t, finding.Modified.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.JSONEq(t, f.vulns["requests@2.25.0"][0], string(finding.Details))

	assert.False(t, results[flask].Failed())
	assert.Empty(t, results[flask].Findings)
	assert.Equal(t, "PyPI", f.batches[0][0].Package.Ecosystem)
}

func TestQueryBatchChunks(t *testing.T) {
	f := &fakeOSV{vulns: map[string][]string{}}
	c := newTestClient(t, f, Config{BatchSize: 2, MaxConcurrent: 2})

	var pkgs []models.Package
	for i := range 5 {
		pkgs = append(pkgs, pypi(fmt.Sprintf("pkg%d", i), "1.0"))
	}
	results := c.QueryBatch(context.Background(), pkgs)

	assert.Len(t, results, 5)
	assert.Equal(t, 3, f.requests())
	for _, r := range results {
		assert.False(t, r.Failed())
	}
}

func TestQueryBatchEmpty(t *testing.T) {
	f := &fakeOSV{}
	c := newTestClient(t, f, Config{})

	assert.Empty(t, c.QueryBatch(context.Background(), nil))
	assert.Zero(t, f.requests())
}

func TestQueryBatchRetriesTransientFailures(t *testing.T) {
	f := &fakeOSV{
		vulns:  map[string][]string{"requests@2.25.0": {`{"id":"GHSA-xxxx"}`}},
		status: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests},
	}
	c := newTestClient(t, f, Config{MaxRetries: 3})

	results := c.QueryBatch(context.Background(), []models.Package{pypi("requests", "2.25.0")})

	assert.Equal(t, 3, f.requests())
	r := results[pypi("requests", "2.25.0")]
	require.False(t, r.Failed())
	assert.Len(t, r.Findings, 1)
}

func TestQueryBatchFailureTagsEveryPackage(t *testing.T) {
	f := &fakeOSV{status: []int{500, 500, 500}}
	c := newTestClient(t, f, Config{MaxRetries: 2})

	pkgs := []models.Package{pypi("requests", "2.25.0"), pypi("flask", "2.0.0")}
	results := c.QueryBatch(context.Background(), pkgs)

	assert.Equal(t, 3, f.requests())
	for _, p := range pkgs {
		r := results[p]
		require.True(t, r.Failed(), p.String())
		assert.ErrorIs(t, r.Err, apperrors.ErrFeedUnavailable)
		httpErr, ok := IsHTTPError(r.Err)
		require.True(t, ok)
		assert.Equal(t, 500, httpErr.StatusCode)
	}
}

func TestQueryBatchDoesNotRetryClientErrors(t *testing.T) {
	f := &fakeOSV{status: []int{http.StatusBadRequest}}
	c := newTestClient(t, f, Config{MaxRetries: 3})

	results := c.QueryBatch(context.Background(), []models.Package{pypi("requests", "2.25.0")})

	assert.Equal(t, 1, f.requests())
	assert.True(t, results[pypi("requests", "2.25.0")].Failed())
}

func TestQueryBatchMalformedResponses(t *testing.T) {
	t.Run("unparseable body fails the chunk", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"results":[`)
		}))
		defer srv.Close()
		c := NewOSVClient(Config{URL: srv.URL}, WithLogger(telemetry.Discard()))

		r := c.QueryBatch(context.Background(), []models.Package{pypi("requests", "2.25.0")})[pypi("requests", "2.25.0")]
		require.True(t, r.Failed())
		assert.ErrorIs(t, r.Err, apperrors.ErrFeedMalformed)
	})

	t.Run("bad advisories are skipped", func(t *testing.T) {
		f := &fakeOSV{vulns: map[string][]string{
			"requests@2.25.0": {`{"summary":"no id"}`, `{"id":"GHSA-ok"}`, `{"id":"GHSA-bad","modified":"yesterday"}`},
		}}
		c := newTestClient(t, f, Config{})

		r := c.QueryBatch(context.Background(), []models.Package{pypi("requests", "2.25.0")})[pypi("requests", "2.25.0")]
		require.False(t, r.Failed())
		require.Len(t, r.Findings, 1)
		assert.Equal(t, "GHSA-ok", r.Findings[0].ExternalID)
	})

	t.Run("short and long result lists", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req osvBatchRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if len(req.Queries) == 2 {
				fmt.Fprint(w, `{"results":[{"vulns":[{"id":"A"}]}]}`)
				return
			}
			fmt.Fprint(w, `{"results":[{"vulns":[]},{"vulns":[{"id":"EXTRA"}]}]}`)
		}))
		defer srv.Close()
		c := NewOSVClient(Config{URL: srv.URL}, WithLogger(telemetry.Discard()))

		results := c.QueryBatch(context.Background(), []models.Package{pypi("a", "1"), pypi("b", "1")})
		require.Len(t, results[pypi("a", "1")].Findings, 1)
		assert.False(t, results[pypi("b", "1")].Failed())
		assert.Empty(t, results[pypi("b", "1")].Findings)

		results = c.QueryBatch(context.Background(), []models.Package{pypi("c", "1")})
		assert.Len(t, results, 1)
		assert.Empty(t, results[pypi("c", "1")].Findings)
	})
}

func TestQueryBatchHonoursContext(t *testing.T) {
	f := &fakeOSV{status: []int{503, 503, 503, 503}}
	c := newTestClient(t, f, Config{MaxRetries: 3, RetryDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	r := c.QueryBatch(ctx, []models.Package{pypi("requests", "2.25.0")})[pypi("requests", "2.25.0")]
	assert.True(t, r.Failed())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHydrationUsesCache(t *testing.T) {
	const full = `{"id":"GHSA-xxxx","modified":"2024-01-02T03:04:05Z","summary":"Proxy leak","affected":[{"ecosystem_specific":{"severity":"HIGH"}}]}`
	f := &fakeOSV{
		vulns:  map[string][]string{"requests@2.25.0": {`{"id":"GHSA-xxxx","modified":"2024-01-02T03:04:05Z"}`}},
		detail: map[string]string{"GHSA-xxxx": full},
	}
	cc, err := cache.New(t.TempDir(), "vuln-ledger", time.Hour)
	require.NoError(t, err)
	metrics := telemetry.NewMetrics()
	c := newTestClient(t, f, Config{Hydrate: true}, WithCache(cc), WithMetrics(metrics))

	pkg := pypi("requests", "2.25.0")
	for range 2 {
		r := c.QueryBatch(context.Background(), []models.Package{pkg})[pkg]
		require.False(t, r.Failed())
		require.Len(t, r.Findings, 1)
		assert.Equal(t, "Proxy leak", r.Findings[0].Summary)
		assert.Equal(t, models.SeverityHigh, r.Findings[0].Severity)
		assert.JSONEq(t, full, string(r.Findings[0].Details))
		assert.False(t, r.Findings[0].Abbreviated)
	}
	assert.EqualValues(t, 1, f.hydrated.Load())
}

func TestHydrationFailureKeepsAbbreviatedAdvisory(t *testing.T) {
	f := &fakeOSV{
		vulns:  map[string][]string{"requests@2.25.0": {`{"id":"GHSA-gone","modified":"2024-01-02T03:04:05Z"}`}},
		detail: map[string]string{},
	}
	c := newTestClient(t, f, Config{Hydrate: true})

	r := c.QueryBatch(context.Background(), []models.Package{pypi("requests", "2.25.0")})[pypi("requests", "2.25.0")]
	require.False(t, r.Failed())
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "GHSA-gone", r.Findings[0].ExternalID)
	assert.True(t, r.Findings[0].Abbreviated)
}

func TestGetVulnerability(t *testing.T) {
	f := &fakeOSV{detail: map[string]string{"PYSEC-1": `{"id":"PYSEC-1","details":"First line\nsecond line","severity":[{"type":"CRITICAL","score":"10.0"}]}`}}
	c := newTestClient(t, f, Config{})

	finding, err := c.GetVulnerability(context.Background(), "PYSEC-1")
	require.NoError(t, err)
	assert.Equal(t, "First line", finding.Summary)
	assert.Equal(t, models.SeverityCritical, finding.Severity)

	_, err = c.GetVulnerability(context.Background(), "PYSEC-404")
	assert.ErrorIs(t, err, apperrors.ErrFeedUnavailable)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&HTTPError{StatusCode: 502}))
	assert.True(t, isRetryable(&HTTPError{StatusCode: 429}))
	assert.False(t, isRetryable(&HTTPError{StatusCode: 404}))
	assert.True(t, isRetryable(fmt.Errorf("http request: %w", context.DeadlineExceeded)))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(nil))
}

func TestBackoffInterval(t *testing.T) {
	plain := Backoff{BaseInterval: time.Second, MaxInterval: 5 * time.Second}
	var delays []time.Duration
	for attempt := range 4 {
		delays = append(delays, plain.Interval(attempt+1))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, delays)
	assert.Equal(t, time.Second, plain.Interval(0))

	b := Backoff{BaseInterval: time.Second, MaxInterval: 5 * time.Second, Jitter: 0.1}
	for range 20 {
		d := b.Interval(2)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}
