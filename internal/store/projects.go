package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// Projects manages project rows. Deleting a project cascades to its ledger
// entries and their associations.
type Projects struct {
	db    *DB
	clock Clock
}

// NewProjects creates a project repository
func NewProjects(db *DB, clock Clock) *Projects {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Projects{db: db, clock: clock}
}

const projectColumns = `id, name, description, ecosystem, created_at, updated_at`

// Create inserts a new project. A duplicate name is a conflict.
func (p *Projects) Create(ctx context.Context, name, description string, ecosystem models.Ecosystem) (*models.Project, error) {
	const op = "projects.Create"
	if name == "" {
		return nil, apperrors.New(apperrors.KindInvalid, op, "project name is required", nil)
	}
	if ecosystem == "" {
		ecosystem = models.EcosystemPyPI
	}

	now := p.clock.Now()
	var id int64
	err := p.db.conn().queryRow(ctx, `
		INSERT INTO projects (name, description, ecosystem, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING
		RETURNING id`,
		name, description, string(ecosystem), now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindConflict, op, fmt.Sprintf("project %q already exists", name), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: insert project: %w", op, err)
	}

	return &models.Project{
		ID:          id,
		Name:        name,
		Description: description,
		Ecosystem:   ecosystem,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get returns a project by id
func (p *Projects) Get(ctx context.Context, id int64) (*models.Project, error) {
	row := p.db.conn().queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	proj, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "projects.Get", fmt.Sprintf("project %d not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("projects.Get: %w", err)
	}
	return proj, nil
}

// GetByName returns a project by its unique name
func (p *Projects) GetByName(ctx context.Context, name string) (*models.Project, error) {
	row := p.db.conn().queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	proj, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "projects.GetByName", fmt.Sprintf("project %q not found", name), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("projects.GetByName: %w", err)
	}
	return proj, nil
}

// List returns all projects ordered by name
func (p *Projects) List(ctx context.Context) ([]models.Project, error) {
	rows, err := p.db.conn().query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("projects.List: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		proj, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("projects.List: %w", err)
		}
		projects = append(projects, *proj)
	}
	return projects, rows.Err()
}

// Touch bumps updated_at
func (p *Projects) Touch(ctx context.Context, id int64) error {
	_, err := p.db.conn().exec(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, p.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("projects.Touch: %w", err)
	}
	return nil
}

// Delete removes a project together with its ledger entries and their
// associations. Dependencies and vulnerabilities are kept.
func (p *Projects) Delete(ctx context.Context, id int64) error {
	res, err := p.db.conn().exec(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("projects.Delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("projects.Delete: %w", err)
	}
	if n == 0 {
		return apperrors.New(apperrors.KindNotFound, "projects.Delete", fmt.Sprintf("project %d not found", id), nil)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		proj             models.Project
		ecosystem        string
		created, updated nullTime
	)
	if err := row.Scan(&proj.ID, &proj.Name, &proj.Description, &ecosystem, &created, &updated); err != nil {
		return nil, err
	}
	proj.Ecosystem = models.Ecosystem(ecosystem)
	proj.CreatedAt = created.Time
	proj.UpdatedAt = updated.Time
	return &proj, nil
}
