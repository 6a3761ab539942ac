package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

func withMockDB(t *testing.T, fn func(*DB, sqlmock.Sqlmock)) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fn(New(db, DialectPostgres), mock)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCatalogResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("created", func(t *testing.T) {
		withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
			mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO dependencies (name, created_at) VALUES ($1, $2)")).
				WithArgs("requests", sqlmock.AnyArg()).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

			id, created, err := NewCatalog(db, newFakeClock()).Resolve(ctx, "requests")
			require.NoError(t, err)
			assert.True(t, created)
			assert.EqualValues(t, 3, id)
		})
	})

	t.Run("lost the race", func(t *testing.T) {
		withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
			mock.ExpectQuery("INSERT INTO dependencies").
				WithArgs("requests", sqlmock.AnyArg()).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM dependencies WHERE name = $1")).
				WithArgs("requests").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

			id, created, err := NewCatalog(db, newFakeClock()).Resolve(ctx, "requests")
			require.NoError(t, err)
			assert.False(t, created)
			assert.EqualValues(t, 7, id)
		})
	})

	t.Run("driver error", func(t *testing.T) {
		withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
			mock.ExpectQuery("INSERT INTO dependencies").
				WillReturnError(errors.New("connection reset"))

			_, _, err := NewCatalog(db, newFakeClock()).Resolve(ctx, "requests")
			assert.ErrorContains(t, err, "connection reset")
		})
	})
}

func TestPostgresRecordScanResult(t *testing.T) {
	ctx := context.Background()

	t.Run("diff applied in one transaction", func(t *testing.T) {
		withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("UPDATE project_dependencies SET last_scanned_at = $1, scan_result = $2")).
				WithArgs(sqlmock.AnyArg(), `["B","C"]`, 5).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("SELECT vulnerability_id FROM project_dependency_vulnerabilities").
				WithArgs(5).
				WillReturnRows(sqlmock.NewRows([]string{"vulnerability_id"}).AddRow(1).AddRow(2))
			mock.ExpectExec("DELETE FROM project_dependency_vulnerabilities").
				WithArgs(5, 1).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO project_dependency_vulnerabilities").
				WithArgs(5, 3).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			err := NewLedger(db, newFakeClock()).RecordScanResult(ctx, 5, []int64{2, 3}, []byte(`["B","C"]`))
			require.NoError(t, err)
		})
	})

	t.Run("rollback on failure", func(t *testing.T) {
		withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE project_dependencies").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("SELECT vulnerability_id").
				WillReturnRows(sqlmock.NewRows([]string{"vulnerability_id"}))
			mock.ExpectExec("INSERT INTO project_dependency_vulnerabilities").
				WillReturnError(errors.New("foreign key violation"))
			mock.ExpectRollback()

			err := NewLedger(db, newFakeClock()).RecordScanResult(ctx, 5, []int64{9}, nil)
			assert.ErrorContains(t, err, "foreign key violation")
		})
	})

	t.Run("missing entry", func(t *testing.T) {
		withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE project_dependencies").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectRollback()

			err := NewLedger(db, newFakeClock()).RecordScanResult(ctx, 5, nil, nil)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	})
}

func TestPostgresProjectCreateConflict(t *testing.T) {
	withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
		mock.ExpectQuery(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5)")).
			WithArgs("web-app", "", "PyPI", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := NewProjects(db, newFakeClock()).Create(context.Background(), "web-app", "", "")
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})
}

func TestPostgresReplaceEntriesRollsBack(t *testing.T) {
	withMockDB(t, func(db *DB, mock sqlmock.Sqlmock) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM project_dependencies WHERE project_id = $1")).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
		mock.ExpectQuery("INSERT INTO dependencies").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectQuery("INSERT INTO project_dependencies").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := NewLedger(db, newFakeClock()).ReplaceEntries(context.Background(), 3, []models.Package{
			{Name: "requests", Version: "2.25.0", Ecosystem: models.EcosystemPyPI},
		})
		assert.ErrorContains(t, err, "connection reset")
	})
}
