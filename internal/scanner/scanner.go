package scanner

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
	"github.com/ethanolivertroy/vuln-ledger/internal/store"
	"github.com/ethanolivertroy/vuln-ledger/internal/telemetry"
)

// FeedClient looks up vulnerabilities for packages. Implementations return
// one tagged result per distinct requested package.
type FeedClient interface {
	QueryBatch(ctx context.Context, pkgs []models.Package) map[models.Package]models.FeedResult
}

// Config configures the orchestrator
type Config struct {
	// Timeout bounds a scan when the request does not set one. Zero means
	// no bound.
	Timeout time.Duration

	// MaxConcurrentProjects bounds ScanAll
	MaxConcurrentProjects int

	// AdaptiveTTL shortens the freshness window of entries with severe
	// cached vulnerabilities
	AdaptiveTTL bool

	Clock   store.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// ScanRequest asks for the vulnerability view of a project. Entries scanned
// within MaxAge are served from the ledger; MaxAge <= 0 rescans everything.
type ScanRequest struct {
	ProjectID int64
	MaxAge    time.Duration
	Timeout   time.Duration
}

// Scanner orchestrates ingestion and scans over the ledger
type Scanner struct {
	projects *store.Projects
	vulns    *store.Vulnerabilities
	ledger   *store.Ledger
	feed     FeedClient
	inflight *inflight

	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New creates a new Scanner over db using feed for lookups
func New(db *store.DB, feed FeedClient, cfg Config) *Scanner {
	if cfg.Clock == nil {
		cfg.Clock = store.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentProjects <= 0 {
		cfg.MaxConcurrentProjects = 4
	}

	return &Scanner{
		projects: store.NewProjects(db, cfg.Clock),
		vulns:    store.NewVulnerabilities(db, cfg.Clock),
		ledger:   store.NewLedger(db, cfg.Clock),
		feed:     feed,
		inflight: newInflight(cfg.Metrics),
		cfg:      cfg,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "scanner"),
	}
}

// Ingest replaces a project's declared dependencies with pkgs. Every package
// is resolved in the catalog and upserted in the ledger, keeping the cache of
// entries that were already present; entries no longer declared are removed.
// The replacement is applied atomically.
func (s *Scanner) Ingest(ctx context.Context, projectID int64, pkgs []models.Package) (*models.IngestResult, error) {
	const op = "scanner.Ingest"

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, pkg := range pkgs {
		if pkg.Name == "" || pkg.Version == "" {
			return nil, apperrors.New(apperrors.KindInvalid, op,
				fmt.Sprintf("package %q has no pinned version", pkg.String()), nil)
		}
		if pkg.Ecosystem != "" && pkg.Ecosystem != project.Ecosystem {
			return nil, apperrors.New(apperrors.KindInvalid, op,
				fmt.Sprintf("%s is a %s package but project %q uses %s", pkg, pkg.Ecosystem, project.Name, project.Ecosystem), nil)
		}
	}

	result, err := s.ledger.ReplaceEntries(ctx, projectID, pkgs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("manifest ingested",
		"project", project.Name, "added", result.Added, "unchanged", result.Unchanged, "removed", result.Removed)
	return result, nil
}

// claimedEntry is an entry owned by the current scan
type claimedEntry struct {
	index  int
	entry  models.LedgerEntry
	maxAge time.Duration
	known  []models.Vulnerability
}

// waitingEntry is an entry owned by a concurrent scan
type waitingEntry struct {
	index int
	entry models.LedgerEntry
	known []models.Vulnerability
	done  <-chan struct{}
}

// Scan returns the vulnerability view of a project, refreshing stale
// entries from the feed. Feed and per-entry storage failures degrade the
// affected entries to scan_failed; only a missing project (or a failure to
// read its entries) is returned as an error.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) (*models.ScanReport, error) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	report, err := s.scan(ctx, req)
	if report != nil {
		s.metrics.ObserveScan(time.Since(start), map[string]int{
			string(models.StatusFresh):      report.Count(models.StatusFresh),
			string(models.StatusRescanned):  report.Count(models.StatusRescanned),
			string(models.StatusScanFailed): report.Count(models.StatusScanFailed),
		}, nil)
	} else {
		s.metrics.ObserveScan(time.Since(start), nil, err)
	}
	return report, err
}

func (s *Scanner) scan(ctx context.Context, req ScanRequest) (*models.ScanReport, error) {
	const op = "scanner.Scan"

	project, err := s.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	report := &models.ScanReport{
		ScanID:      uuid.NewString(),
		ProjectID:   project.ID,
		ProjectName: project.Name,
		MaxAge:      req.MaxAge,
		StartedAt:   s.ledger.Now(),
	}
	logger := s.logger.With("scan_id", report.ScanID, "project", project.Name)

	listed, err := s.ledger.Entries(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Claim every entry before looking at its cache state. Entries owned by
	// another scan are only waited on after our own claims are released.
	var claimedIDs []int64
	pending := make(map[int64]waitingEntry)
	for _, e := range listed {
		if owned, done := s.inflight.claim(e.ID); owned {
			claimedIDs = append(claimedIDs, e.ID)
		} else {
			pending[e.ID] = waitingEntry{entry: e, done: done}
		}
	}
	released := false
	release := func() {
		if !released {
			s.inflight.release(claimedIDs...)
			released = true
		}
	}
	defer release()

	// Re-read under the claims so a scan that finished in between is seen.
	// Entries removed in between get no view.
	current, err := s.ledger.Entries(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	owned := make(map[int64]bool, len(claimedIDs))
	for _, id := range claimedIDs {
		owned[id] = true
	}

	var fresh, needsScan []claimedEntry
	var waiting []waitingEntry
	for _, e := range current {
		index := len(report.Entries)
		report.Entries = append(report.Entries, models.EntryView{
			EntryID:       e.ID,
			Dependency:    e.DependencyName,
			Version:       e.Version,
			LastScannedAt: e.LastScannedAt,
		})

		if !owned[e.ID] {
			w, ok := pending[e.ID]
			if !ok {
				// Added by a concurrent ingest after we listed
				if claimed, done := s.inflight.claim(e.ID); claimed {
					claimedIDs = append(claimedIDs, e.ID)
				} else {
					w, ok = waitingEntry{entry: e, done: done}, true
				}
			}
			if ok {
				w.index = index
				w.known = s.lastKnown(ctx, logger, e.ID)
				waiting = append(waiting, w)
				continue
			}
		}

		known, err := s.ledger.Vulnerabilities(ctx, e.ID)
		if err != nil {
			s.fail(&report.Entries[index], nil, err)
			continue
		}
		c := claimedEntry{index: index, entry: e, known: known, maxAge: s.effectiveMaxAge(req.MaxAge, known)}
		if s.ledger.IsStale(e, c.maxAge) {
			needsScan = append(needsScan, c)
		} else {
			fresh = append(fresh, c)
		}
	}

	for _, c := range fresh {
		view := &report.Entries[c.index]
		view.Status = models.StatusFresh
		view.Vulnerabilities = c.known
	}

	if len(needsScan) > 0 {
		s.refresh(ctx, logger, project, report, needsScan)
	}

	release()

	for _, w := range waiting {
		s.await(ctx, &report.Entries[w.index], w, req.MaxAge)
	}

	report.FinishedAt = s.ledger.Now()
	logger.Info("scan finished",
		"entries", len(report.Entries),
		"fresh", report.Count(models.StatusFresh),
		"rescanned", report.Count(models.StatusRescanned),
		"failed", report.Count(models.StatusScanFailed))
	return report, nil
}

// refresh queries the feed for stale entries and reconciles the answers
func (s *Scanner) refresh(ctx context.Context, logger *slog.Logger, project *models.Project, report *models.ScanReport, entries []claimedEntry) {
	pkgs := make([]models.Package, len(entries))
	for i, c := range entries {
		pkgs[i] = c.entry.Package(project.Ecosystem)
	}

	logger.Debug("querying feed", "packages", len(pkgs))
	results := s.feed.QueryBatch(ctx, pkgs)

	for i, c := range entries {
		view := &report.Entries[c.index]

		result, ok := results[pkgs[i]]
		if !ok {
			result = models.FeedResult{Err: apperrors.New(apperrors.KindFeedMalformed, "scanner.refresh", "feed returned no result", nil)}
		}
		if result.Failed() {
			logger.Warn("entry scan failed", "dependency", pkgs[i].String(), "error", result.Err)
			s.fail(view, c.known, result.Err)
			continue
		}

		if err := s.reconcile(ctx, c.entry, result.Findings); err != nil {
			logger.Warn("recording scan result failed", "dependency", pkgs[i].String(), "error", err)
			s.fail(view, c.known, err)
			continue
		}

		s.present(ctx, view, c.entry.ID, models.StatusRescanned, asVulnerabilities(result.Findings))
	}
}

// reconcile stores the findings and replaces the entry's association set
func (s *Scanner) reconcile(ctx context.Context, entry models.LedgerEntry, findings []models.Finding) error {
	ids := make([]int64, 0, len(findings))
	externalIDs := make([]string, 0, len(findings))
	for _, f := range findings {
		id, err := s.vulns.Upsert(ctx, f)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		externalIDs = append(externalIDs, f.ExternalID)
	}
	slices.Sort(externalIDs)
	externalIDs = slices.Compact(externalIDs)

	payload, err := json.Marshal(externalIDs)
	if err != nil {
		return err
	}
	return s.ledger.RecordScanResult(ctx, entry.ID, ids, payload)
}

// await waits for the concurrent scan that owns an entry and reports what
// it left in the ledger
func (s *Scanner) await(ctx context.Context, view *models.EntryView, w waitingEntry, maxAge time.Duration) {
	const op = "scanner.await"

	select {
	case <-w.done:
	case <-ctx.Done():
		s.fail(view, w.known, apperrors.New(apperrors.KindScanInProgress, op,
			"entry is being scanned by another request", ctx.Err()))
		return
	}

	e, err := s.ledger.Entry(ctx, w.entry.ID)
	if err != nil {
		s.fail(view, w.known, err)
		return
	}

	switch {
	case e.LastScannedAt != nil && (w.entry.LastScannedAt == nil || e.LastScannedAt.After(*w.entry.LastScannedAt)):
		s.present(ctx, view, e.ID, models.StatusRescanned, w.known)
	case !s.ledger.IsStale(*e, s.effectiveMaxAge(maxAge, w.known)):
		s.present(ctx, view, e.ID, models.StatusFresh, w.known)
	default:
		s.fail(view, w.known, apperrors.New(apperrors.KindFeedUnavailable, op,
			"concurrent scan did not record a result", nil))
	}
}

// present fills a view from the ledger's current state of the entry. When
// the ledger cannot be read back the view fails with fallback as its last
// known vulnerabilities.
func (s *Scanner) present(ctx context.Context, view *models.EntryView, entryID int64, status models.ScanStatus, fallback []models.Vulnerability) {
	e, err := s.ledger.Entry(ctx, entryID)
	if err != nil {
		s.fail(view, fallback, err)
		return
	}
	vulns, err := s.ledger.Vulnerabilities(ctx, entryID)
	if err != nil {
		s.fail(view, fallback, err)
		return
	}

	view.Status = status
	view.LastScannedAt = e.LastScannedAt
	view.Vulnerabilities = vulns
	view.PossiblyStale = false
	view.Error = ""
}

// fail degrades a view to scan_failed, keeping the last known
// vulnerabilities flagged as possibly stale
func (s *Scanner) fail(view *models.EntryView, known []models.Vulnerability, err error) {
	view.Status = models.StatusScanFailed
	view.Vulnerabilities = known
	view.PossiblyStale = true
	view.Error = err.Error()
}

// asVulnerabilities converts recorded findings for display, one per external id
func asVulnerabilities(findings []models.Finding) []models.Vulnerability {
	vulns := make([]models.Vulnerability, 0, len(findings))
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		if seen[f.ExternalID] {
			continue
		}
		seen[f.ExternalID] = true
		vulns = append(vulns, models.Vulnerability{
			ExternalID: f.ExternalID,
			Summary:    f.Summary,
			Severity:   f.Severity,
			Modified:   f.Modified,
			Details:    f.Details,
		})
	}
	slices.SortFunc(vulns, func(a, b models.Vulnerability) int {
		return cmp.Compare(a.ExternalID, b.ExternalID)
	})
	return vulns
}

func (s *Scanner) lastKnown(ctx context.Context, logger *slog.Logger, entryID int64) []models.Vulnerability {
	known, err := s.ledger.Vulnerabilities(ctx, entryID)
	if err != nil {
		logger.Debug("reading cached vulnerabilities failed", "entry_id", entryID, "error", err)
	}
	return known
}

// severityTTL caps the freshness window by the worst cached severity
var severityTTL = map[models.Severity]time.Duration{
	models.SeverityCritical: time.Hour,
	models.SeverityHigh:     4 * time.Hour,
	models.SeverityModerate: 12 * time.Hour,
}

func (s *Scanner) effectiveMaxAge(maxAge time.Duration, known []models.Vulnerability) time.Duration {
	if !s.cfg.AdaptiveTTL || maxAge <= 0 {
		return maxAge
	}
	if ttl, ok := severityTTL[models.Highest(known)]; ok && ttl < maxAge {
		return ttl
	}
	return maxAge
}

// ScanAll scans every project with bounded parallelism. A project deleted
// while the run is in progress is skipped; other failures are joined.
func (s *Scanner) ScanAll(ctx context.Context, maxAge time.Duration) ([]*models.ScanReport, error) {
	projects, err := s.projects.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner.ScanAll: %w", err)
	}

	var (
		mu      sync.Mutex
		reports []*models.ScanReport
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrentProjects)

	for _, p := range projects {
		g.Go(func() error {
			report, err := s.Scan(ctx, ScanRequest{ProjectID: p.ID, MaxAge: maxAge})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case apperrors.IsKind(err, apperrors.KindNotFound):
				s.logger.Info("project removed during scan run", "project", p.Name)
			case err != nil:
				errs = append(errs, fmt.Errorf("project %s: %w", p.Name, err))
			default:
				reports = append(reports, report)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(reports, func(a, b *models.ScanReport) int {
		return cmp.Compare(a.ProjectName, b.ProjectName)
	})
	return reports, errors.Join(errs...)
}
