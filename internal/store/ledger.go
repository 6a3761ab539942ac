package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// Ledger tracks which dependency versions each project declares together
// with the cached result of the last scan of every entry.
type Ledger struct {
	db    *DB
	clock Clock
}

// NewLedger creates a ledger using clock for scan timestamps and staleness
func NewLedger(db *DB, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{db: db, clock: clock}
}

// Now returns the ledger's notion of the current time
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// UpsertEntry records that a project declares a dependency version. It is
// idempotent on (project, dependency, version) and never touches the cache
// state of an existing entry.
func (l *Ledger) UpsertEntry(ctx context.Context, projectID, dependencyID int64, version string) (id int64, created bool, err error) {
	const op = "ledger.UpsertEntry"
	if version == "" {
		return 0, false, apperrors.New(apperrors.KindInvalid, op, "version is required", nil)
	}

	id, created, err = upsertEntry(ctx, l.db.conn(), projectID, dependencyID, version)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return id, created, nil
}

func upsertEntry(ctx context.Context, q conn, projectID, dependencyID int64, version string) (id int64, created bool, err error) {
	err = q.queryRow(ctx, `
		INSERT INTO project_dependencies (project_id, dependency_id, version)
		VALUES (?, ?, ?)
		ON CONFLICT (project_id, dependency_id, version) DO NOTHING
		RETURNING id`, projectID, dependencyID, version).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	err = q.queryRow(ctx, `
		SELECT id FROM project_dependencies
		WHERE project_id = ? AND dependency_id = ? AND version = ?`,
		projectID, dependencyID, version).Scan(&id)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// ReplaceEntries makes pkgs the declared dependency set of a project in one
// transaction. Names are resolved in the catalog, entries already present
// keep their cache state and entries no longer declared are removed. A
// failure leaves the previous set untouched.
func (l *Ledger) ReplaceEntries(ctx context.Context, projectID int64, pkgs []models.Package) (*models.IngestResult, error) {
	const op = "ledger.ReplaceEntries"
	for _, pkg := range pkgs {
		if pkg.Name == "" || pkg.Version == "" {
			return nil, apperrors.New(apperrors.KindInvalid, op,
				fmt.Sprintf("package %q has no pinned version", pkg.String()), nil)
		}
	}

	now := l.clock.Now()
	result := &models.IngestResult{}
	err := l.db.withTx(ctx, func(q conn) error {
		existing, err := entryIDs(ctx, q, projectID)
		if err != nil {
			return err
		}

		keep := make(map[int64]bool, len(pkgs))
		for _, pkg := range pkgs {
			depID, _, err := resolveDependency(ctx, q, pkg.Name, now)
			if err != nil {
				return err
			}
			id, created, err := upsertEntry(ctx, q, projectID, depID, pkg.Version)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", pkg, err)
			}
			if keep[id] {
				continue
			}
			keep[id] = true
			if created {
				result.Added++
			} else {
				result.Unchanged++
			}
		}

		for _, id := range existing {
			if keep[id] {
				continue
			}
			if _, err := q.exec(ctx, `DELETE FROM project_dependencies WHERE id = ?`, id); err != nil {
				return fmt.Errorf("remove entry %d: %w", id, err)
			}
			result.Removed++
		}

		_, err = q.exec(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, now, projectID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

func entryIDs(ctx context.Context, q conn, projectID int64) ([]int64, error) {
	rows, err := q.query(ctx, `SELECT id FROM project_dependencies WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsStale reports whether the entry needs a fresh lookup: it was never
// scanned or its last scan is older than maxAge. A non-positive maxAge
// treats every entry as stale.
func (l *Ledger) IsStale(entry models.LedgerEntry, maxAge time.Duration) bool {
	if entry.LastScannedAt == nil || maxAge <= 0 {
		return true
	}
	return l.clock.Now().Sub(*entry.LastScannedAt) > maxAge
}

const entryColumns = `pd.id, pd.project_id, pd.dependency_id, d.name, pd.version, pd.last_scanned_at, pd.scan_result`

// Entries returns the ledger entries of a project ordered by dependency name
// and version
func (l *Ledger) Entries(ctx context.Context, projectID int64) ([]models.LedgerEntry, error) {
	rows, err := l.db.conn().query(ctx, `
		SELECT `+entryColumns+`
		FROM project_dependencies pd
		JOIN dependencies d ON d.id = pd.dependency_id
		WHERE pd.project_id = ?
		ORDER BY d.name, pd.version`, projectID)
	if err != nil {
		return nil, fmt.Errorf("ledger.Entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger.Entries: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Entry returns a single ledger entry
func (l *Ledger) Entry(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	row := l.db.conn().queryRow(ctx, `
		SELECT `+entryColumns+`
		FROM project_dependencies pd
		JOIN dependencies d ON d.id = pd.dependency_id
		WHERE pd.id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "ledger.Entry", fmt.Sprintf("ledger entry %d not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger.Entry: %w", err)
	}
	return e, nil
}

// Vulnerabilities returns the vulnerabilities currently associated with an
// entry ordered by external id
func (l *Ledger) Vulnerabilities(ctx context.Context, entryID int64) ([]models.Vulnerability, error) {
	rows, err := l.db.conn().query(ctx, `
		SELECT v.id, v.external_id, v.summary, v.severity, v.modified, v.details, v.created_at, v.updated_at
		FROM project_dependency_vulnerabilities pdv
		JOIN vulnerabilities v ON v.id = pdv.vulnerability_id
		WHERE pdv.project_dependency_id = ?
		ORDER BY v.external_id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("ledger.Vulnerabilities: %w", err)
	}
	defer rows.Close()

	var vulns []models.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger.Vulnerabilities: %w", err)
		}
		vulns = append(vulns, *v)
	}
	return vulns, rows.Err()
}

// RecordScanResult stores the outcome of a successful scan of an entry. The
// timestamp, the cached payload and the association set are replaced in one
// transaction; afterwards the entry is associated with exactly
// vulnerabilityIDs.
func (l *Ledger) RecordScanResult(ctx context.Context, entryID int64, vulnerabilityIDs []int64, payload []byte) error {
	const op = "ledger.RecordScanResult"

	want := make(map[int64]bool, len(vulnerabilityIDs))
	for _, id := range vulnerabilityIDs {
		want[id] = true
	}

	return l.db.withTx(ctx, func(q conn) error {
		res, err := q.exec(ctx, `
			UPDATE project_dependencies SET last_scanned_at = ?, scan_result = ?
			WHERE id = ?`, l.clock.Now(), jsonArg(payload), entryID)
		if err != nil {
			return fmt.Errorf("%s: update entry: %w", op, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		} else if n == 0 {
			return apperrors.New(apperrors.KindNotFound, op, fmt.Sprintf("ledger entry %d not found", entryID), nil)
		}

		have, err := associatedIDs(ctx, q, entryID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		for id := range have {
			if want[id] {
				continue
			}
			if _, err := q.exec(ctx, `
				DELETE FROM project_dependency_vulnerabilities
				WHERE project_dependency_id = ? AND vulnerability_id = ?`, entryID, id); err != nil {
				return fmt.Errorf("%s: remove association: %w", op, err)
			}
		}
		for id := range want {
			if have[id] {
				continue
			}
			if _, err := q.exec(ctx, `
				INSERT INTO project_dependency_vulnerabilities (project_dependency_id, vulnerability_id)
				VALUES (?, ?)`, entryID, id); err != nil {
				return fmt.Errorf("%s: add association: %w", op, err)
			}
		}
		return nil
	})
}

func associatedIDs(ctx context.Context, q conn, entryID int64) (map[int64]bool, error) {
	rows, err := q.query(ctx, `
		SELECT vulnerability_id FROM project_dependency_vulnerabilities
		WHERE project_dependency_id = ?`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// RemoveEntries deletes ledger entries and, by cascade, their associations
func (l *Ledger) RemoveEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return l.db.withTx(ctx, func(q conn) error {
		for _, id := range ids {
			if _, err := q.exec(ctx, `DELETE FROM project_dependencies WHERE id = ?`, id); err != nil {
				return fmt.Errorf("ledger.RemoveEntries: %w", err)
			}
		}
		return nil
	})
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var (
		e       models.LedgerEntry
		scanned nullTime
		result  []byte
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &e.DependencyID, &e.DependencyName, &e.Version, &scanned, &result); err != nil {
		return nil, err
	}
	e.LastScannedAt = scanned.Ptr()
	e.ScanResult = result
	return &e, nil
}
