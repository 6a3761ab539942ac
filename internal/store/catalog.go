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

// Catalog deduplicates dependency names into stable identities
type Catalog struct {
	db    *DB
	clock Clock
}

// NewCatalog creates a dependency catalog
func NewCatalog(db *DB, clock Clock) *Catalog {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Catalog{db: db, clock: clock}
}

// Resolve returns the identity of name, creating it when absent. Names match
// case-sensitively. Concurrent first resolutions of the same name converge on
// the row that won the UNIQUE(name) race; only that caller sees created.
func (c *Catalog) Resolve(ctx context.Context, name string) (id int64, created bool, err error) {
	const op = "catalog.Resolve"
	if name == "" {
		return 0, false, apperrors.New(apperrors.KindInvalid, op, "dependency name is required", nil)
	}

	id, created, err = resolveDependency(ctx, c.db.conn(), name, c.clock.Now())
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return id, created, nil
}

func resolveDependency(ctx context.Context, q conn, name string, now time.Time) (id int64, created bool, err error) {
	err = q.queryRow(ctx, `
		INSERT INTO dependencies (name, created_at) VALUES (?, ?)
		ON CONFLICT (name) DO NOTHING
		RETURNING id`, name, now).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert %q: %w", name, err)
	}

	if err := q.queryRow(ctx, `SELECT id FROM dependencies WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("select %q: %w", name, err)
	}
	return id, false, nil
}

// Get returns a dependency by name without creating it
func (c *Catalog) Get(ctx context.Context, name string) (*models.Dependency, error) {
	var (
		dep     models.Dependency
		created nullTime
	)
	err := c.db.conn().queryRow(ctx, `SELECT id, name, created_at FROM dependencies WHERE name = ?`, name).
		Scan(&dep.ID, &dep.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "catalog.Get", fmt.Sprintf("dependency %q not found", name), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog.Get: %w", err)
	}
	dep.CreatedAt = created.Time
	return &dep, nil
}

// List returns every catalogued dependency ordered by name
func (c *Catalog) List(ctx context.Context) ([]models.Dependency, error) {
	rows, err := c.db.conn().query(ctx, `SELECT id, name, created_at FROM dependencies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog.List: %w", err)
	}
	defer rows.Close()

	var deps []models.Dependency
	for rows.Next() {
		var (
			dep     models.Dependency
			created nullTime
		)
		if err := rows.Scan(&dep.ID, &dep.Name, &created); err != nil {
			return nil, fmt.Errorf("catalog.List: %w", err)
		}
		dep.CreatedAt = created.Time
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// Usage reports every (dependency, version) pair in use with the projects
// declaring it and the vulnerabilities found by its last scans.
func (c *Catalog) Usage(ctx context.Context) ([]models.DependencyUsage, error) {
	q := c.db.conn()
	rows, err := q.query(ctx, `
		SELECT d.name, pd.version, p.name, pd.last_scanned_at
		FROM project_dependencies pd
		JOIN dependencies d ON d.id = pd.dependency_id
		JOIN projects p ON p.id = pd.project_id
		ORDER BY d.name, pd.version, p.name`)
	if err != nil {
		return nil, fmt.Errorf("catalog.Usage: %w", err)
	}
	defer rows.Close()

	var usages []models.DependencyUsage
	index := make(map[[2]string]int)
	for rows.Next() {
		var (
			name, version, project string
			scanned                nullTime
		)
		if err := rows.Scan(&name, &version, &project, &scanned); err != nil {
			return nil, fmt.Errorf("catalog.Usage: %w", err)
		}
		key := [2]string{name, version}
		i, ok := index[key]
		if !ok {
			i = len(usages)
			index[key] = i
			usages = append(usages, models.DependencyUsage{Name: name, Version: version})
		}
		u := &usages[i]
		u.Projects = append(u.Projects, project)
		if scanned.Valid && (u.LastScannedAt == nil || scanned.Time.After(*u.LastScannedAt)) {
			u.LastScannedAt = scanned.Ptr()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog.Usage: %w", err)
	}

	vrows, err := q.query(ctx, `
		SELECT DISTINCT d.name, pd.version, v.external_id
		FROM project_dependency_vulnerabilities pdv
		JOIN project_dependencies pd ON pd.id = pdv.project_dependency_id
		JOIN dependencies d ON d.id = pd.dependency_id
		JOIN vulnerabilities v ON v.id = pdv.vulnerability_id
		ORDER BY d.name, pd.version, v.external_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog.Usage: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var name, version, externalID string
		if err := vrows.Scan(&name, &version, &externalID); err != nil {
			return nil, fmt.Errorf("catalog.Usage: %w", err)
		}
		if i, ok := index[[2]string{name, version}]; ok {
			usages[i].VulnerabilityIDs = append(usages[i].VulnerabilityIDs, externalID)
		}
	}
	return usages, vrows.Err()
}
