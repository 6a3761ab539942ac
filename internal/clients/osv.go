package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ethanolivertroy/vuln-ledger/internal/cache"
	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

// DefaultOSVURL is the public OSV API
const DefaultOSVURL = "https://api.osv.dev"

// Config holds feed client configuration
type Config struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	RateLimit     float64       `mapstructure:"rate_limit"` // requests per second, 0 = unlimited

	// Hydrate fetches each advisory in full. querybatch only returns ids
	// and modified times.
	Hydrate bool `mapstructure:"hydrate"`
}

// DefaultConfig returns default feed client config
func DefaultConfig() Config {
	return Config{
		URL:           DefaultOSVURL,
		Timeout:       60 * time.Second,
		BatchSize:     100,
		MaxConcurrent: 4,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
		RateLimit:     10,
		Hydrate:       true,
	}
}

// OSVClient handles requests to the OSV vulnerability database
type OSVClient struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    Backoff
	cache      *cache.Cache
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// Option configures the client
type Option func(*OSVClient)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *OSVClient) { c.httpClient = h }
}

// WithCache enables the on-disk cache of hydrated advisories
func WithCache(cc *cache.Cache) Option {
	return func(c *OSVClient) { c.cache = cc }
}

// WithMetrics records request metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *OSVClient) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *OSVClient) { c.logger = l }
}

// NewOSVClient creates a new OSV client. Zero config values fall back to
// DefaultConfig.
func NewOSVClient(cfg Config, opts ...Option) *OSVClient {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &OSVClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.MaxConcurrent),
		backoff: Backoff{
			BaseInterval: cfg.RetryDelay,
			MaxInterval:  cfg.MaxRetryDelay,
			Jitter:       0.1,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "osv")
	return c
}

type osvQuery struct {
	Package struct {
		Name      string `json:"name"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
	Version string `json:"version"`
}

type osvBatchRequest struct {
	Queries []osvQuery `json:"queries"`
}

type osvBatchResponse struct {
	Results []struct {
		Vulns []json.RawMessage `json:"vulns"`
	} `json:"results"`
}

type osvSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type osvSeverityLabel struct {
	Severity string `json:"severity"`
}

type osvVulnerability struct {
	ID               string           `json:"id"`
	Summary          string           `json:"summary"`
	Details          string           `json:"details"`
	Modified         string           `json:"modified"`
	Severity         []osvSeverity    `json:"severity"`
	DatabaseSpecific osvSeverityLabel `json:"database_specific"`
	Affected         []struct {
		Severity          []osvSeverity    `json:"severity"`
		EcosystemSpecific osvSeverityLabel `json:"ecosystem_specific"`
		DatabaseSpecific  osvSeverityLabel `json:"database_specific"`
	} `json:"affected"`
}

// QueryBatch queries OSV for every package and returns one tagged result per
// distinct requested package. It never returns an error: a chunk that fails
// marks each of its packages as failed.
func (c *OSVClient) QueryBatch(ctx context.Context, pkgs []models.Package) map[models.Package]models.FeedResult {
	unique := make([]models.Package, 0, len(pkgs))
	seen := make(map[models.Package]bool, len(pkgs))
	for _, p := range pkgs {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}

	results := make(map[models.Package]models.FeedResult, len(unique))
	if len(unique) == 0 {
		return results
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.MaxConcurrent)

	for i := 0; i < len(unique); i += c.cfg.BatchSize {
		end := min(i+c.cfg.BatchSize, len(unique))
		chunk := unique[i:end]

		g.Go(func() error {
			chunkResults, err := c.queryChunk(ctx, chunk)
			if err != nil {
				c.logger.Warn("feed chunk failed", "packages", len(chunk), "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			for j, pkg := range chunk {
				if err != nil {
					results[pkg] = models.FeedResult{Err: err}
					continue
				}
				results[pkg] = models.FeedResult{Findings: chunkResults[j]}
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *OSVClient) queryChunk(ctx context.Context, pkgs []models.Package) ([][]models.Finding, error) {
	const op = "osv.QueryBatch"

	req := osvBatchRequest{Queries: make([]osvQuery, len(pkgs))}
	for j, pkg := range pkgs {
		req.Queries[j].Package.Name = pkg.Name
		req.Queries[j].Package.Ecosystem = string(pkg.Ecosystem)
		req.Queries[j].Version = pkg.Version
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, op, "encode request", err)
	}

	data, err := c.doRequest(ctx, "querybatch", http.MethodPost, c.cfg.URL+"/v1/querybatch", body)
	if err != nil {
		return nil, err
	}

	var batchResp osvBatchResponse
	if err := json.Unmarshal(data, &batchResp); err != nil {
		return nil, apperrors.New(apperrors.KindFeedMalformed, op, "decode response", err)
	}
	if len(batchResp.Results) > len(pkgs) {
		c.logger.Warn("feed returned results for unrequested positions",
			"requested", len(pkgs), "returned", len(batchResp.Results))
	}

	// Positions without a result are treated as clean.
	findings := make([][]models.Finding, len(pkgs))
	for j := range pkgs {
		if j >= len(batchResp.Results) {
			continue
		}
		for _, raw := range batchResp.Results[j].Vulns {
			f, err := c.finding(ctx, raw)
			if err != nil {
				c.logger.Warn("skipping malformed advisory", "package", pkgs[j].String(), "error", err)
				continue
			}
			findings[j] = append(findings[j], f)
		}
	}
	return findings, nil
}

// finding converts one advisory of a batch response, hydrating it first when
// configured to
func (c *OSVClient) finding(ctx context.Context, raw json.RawMessage) (models.Finding, error) {
	f, err := parseAdvisory(raw)
	if err != nil {
		return f, err
	}
	f.Abbreviated = true
	if !c.cfg.Hydrate {
		return f, nil
	}

	full, err := c.hydrate(ctx, f.ExternalID, f.Modified)
	if err != nil {
		// The abbreviated advisory still identifies the vulnerability.
		c.logger.Warn("advisory hydration failed", "id", f.ExternalID, "error", err)
		return f, nil
	}
	hydrated, err := parseAdvisory(full)
	if err != nil || hydrated.ExternalID != f.ExternalID {
		c.logger.Warn("hydrated advisory is malformed", "id", f.ExternalID, "error", err)
		return f, nil
	}
	return hydrated, nil
}

// GetVulnerability fetches a full advisory by id
func (c *OSVClient) GetVulnerability(ctx context.Context, id string) (models.Finding, error) {
	data, err := c.hydrate(ctx, id, time.Time{})
	if err != nil {
		return models.Finding{}, err
	}
	return parseAdvisory(data)
}

func (c *OSVClient) hydrate(ctx context.Context, id string, modified time.Time) ([]byte, error) {
	key := cache.AdvisoryKey(id, modified)
	if c.cache != nil && !modified.IsZero() {
		data, ok := c.cache.Get(key)
		c.metrics.ObserveCacheLookup(ok)
		if ok {
			return data, nil
		}
	}

	data, err := c.doRequest(ctx, "vulns", http.MethodGet, c.cfg.URL+"/v1/vulns/"+id, nil)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && !modified.IsZero() {
		if err := c.cache.Set(key, data); err != nil {
			c.logger.Debug("advisory cache write failed", "id", id, "error", err)
		}
	}
	return data, nil
}

// parseAdvisory extracts the stored fields from a raw OSV advisory. The raw
// payload is kept verbatim as the details.
func parseAdvisory(raw json.RawMessage) (models.Finding, error) {
	const op = "osv.parseAdvisory"

	var v osvVulnerability
	if err := json.Unmarshal(raw, &v); err != nil {
		return models.Finding{}, apperrors.New(apperrors.KindFeedMalformed, op, "decode advisory", err)
	}
	if v.ID == "" {
		return models.Finding{}, apperrors.New(apperrors.KindFeedMalformed, op, "advisory without id", nil)
	}

	f := models.Finding{
		ExternalID: v.ID,
		Summary:    v.Summary,
		Severity:   highestSeverity(v),
		Details:    append(json.RawMessage(nil), raw...),
	}
	if f.Summary == "" && v.Details != "" {
		f.Summary = firstLine(v.Details)
	}
	if v.Modified != "" {
		t, err := time.Parse(time.RFC3339Nano, v.Modified)
		if err != nil {
			return models.Finding{}, apperrors.New(apperrors.KindFeedMalformed, op,
				fmt.Sprintf("advisory %s: bad modified timestamp %q", v.ID, v.Modified), err)
		}
		f.Modified = t.UTC()
	}
	return f, nil
}

// highestSeverity derives a label from the places OSV databases put one:
// database_specific.severity (GitHub), labelled severity entries, and the
// per-affected-package fields
func highestSeverity(v osvVulnerability) models.Severity {
	highest := models.ParseSeverity(v.DatabaseSpecific.Severity)
	consider := func(label string) {
		if s := models.ParseSeverity(label); s.Rank() > highest.Rank() {
			highest = s
		}
	}
	for _, s := range v.Severity {
		consider(s.Type)
	}
	for _, a := range v.Affected {
		consider(a.EcosystemSpecific.Severity)
		consider(a.DatabaseSpecific.Severity)
		for _, s := range a.Severity {
			consider(s.Type)
		}
	}
	return highest
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 200)
}
