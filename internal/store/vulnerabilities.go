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

// Vulnerabilities holds one row per advisory external id
type Vulnerabilities struct {
	db    *DB
	clock Clock
}

// NewVulnerabilities creates a vulnerability store
func NewVulnerabilities(db *DB, clock Clock) *Vulnerabilities {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Vulnerabilities{db: db, clock: clock}
}

const vulnerabilityColumns = `id, external_id, summary, severity, modified, details, created_at, updated_at`

// Upsert stores a finding. An existing row for the same external id is
// overwritten with the newer payload and keeps its identity. An abbreviated
// finding only overwrites a row whose stored revision is older.
func (v *Vulnerabilities) Upsert(ctx context.Context, f models.Finding) (int64, error) {
	const op = "vulnerabilities.Upsert"
	if f.ExternalID == "" {
		return 0, apperrors.New(apperrors.KindInvalid, op, "external id is required", nil)
	}

	now := v.clock.Now()
	if f.Abbreviated {
		id, err := v.upsertAbbreviated(ctx, f, now)
		if err != nil {
			return 0, fmt.Errorf("%s: %s: %w", op, f.ExternalID, err)
		}
		return id, nil
	}

	var id int64
	err := v.db.conn().queryRow(ctx, `
		INSERT INTO vulnerabilities (external_id, summary, severity, modified, details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			summary = excluded.summary,
			severity = excluded.severity,
			modified = excluded.modified,
			details = excluded.details,
			updated_at = excluded.updated_at
		RETURNING id`,
		f.ExternalID, f.Summary, string(f.Severity), timeArg(f.Modified), jsonArg(f.Details), now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", op, f.ExternalID, err)
	}
	return id, nil
}

func (v *Vulnerabilities) upsertAbbreviated(ctx context.Context, f models.Finding, now time.Time) (int64, error) {
	var id int64
	err := v.db.withTx(ctx, func(c conn) error {
		var stored nullTime
		err := c.queryRow(ctx, `SELECT id, modified FROM vulnerabilities WHERE external_id = ?`, f.ExternalID).Scan(&id, &stored)
		if errors.Is(err, sql.ErrNoRows) {
			return c.queryRow(ctx, `
				INSERT INTO vulnerabilities (external_id, summary, severity, modified, details, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (external_id) DO UPDATE SET updated_at = excluded.updated_at
				RETURNING id`,
				f.ExternalID, f.Summary, string(f.Severity), timeArg(f.Modified), jsonArg(f.Details), now, now).Scan(&id)
		}
		if err != nil {
			return err
		}

		if !stored.Valid || f.Modified.IsZero() || !f.Modified.After(stored.Time) {
			return nil
		}
		_, err = c.exec(ctx, `
			UPDATE vulnerabilities
			SET summary = ?, severity = ?, modified = ?, details = ?, updated_at = ?
			WHERE id = ?`,
			f.Summary, string(f.Severity), timeArg(f.Modified), jsonArg(f.Details), now, id)
		return err
	})
	return id, err
}

// Get looks up a vulnerability by external id without mutating it
func (v *Vulnerabilities) Get(ctx context.Context, externalID string) (*models.Vulnerability, error) {
	row := v.db.conn().queryRow(ctx, `SELECT `+vulnerabilityColumns+` FROM vulnerabilities WHERE external_id = ?`, externalID)
	vuln, err := scanVulnerability(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "vulnerabilities.Get", fmt.Sprintf("vulnerability %q not found", externalID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("vulnerabilities.Get: %w", err)
	}
	return vuln, nil
}

// Purge deletes vulnerabilities no ledger entry refers to any more and
// returns how many were removed.
func (v *Vulnerabilities) Purge(ctx context.Context) (int64, error) {
	res, err := v.db.conn().exec(ctx, `
		DELETE FROM vulnerabilities
		WHERE id NOT IN (SELECT vulnerability_id FROM project_dependency_vulnerabilities)`)
	if err != nil {
		return 0, fmt.Errorf("vulnerabilities.Purge: %w", err)
	}
	return res.RowsAffected()
}

func scanVulnerability(row rowScanner) (*models.Vulnerability, error) {
	var (
		vuln                       models.Vulnerability
		severity                   string
		details                    []byte
		modified, created, updated nullTime
	)
	if err := row.Scan(&vuln.ID, &vuln.ExternalID, &vuln.Summary, &severity, &modified, &details, &created, &updated); err != nil {
		return nil, err
	}
	vuln.Severity = models.Severity(severity)
	vuln.Modified = modified.Time
	vuln.Details = details
	vuln.CreatedAt = created.Time
	vuln.UpdatedAt = updated.Time
	return &vuln, nil
}
