package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db       *DB
	clock    *fakeClock
	projects *Projects
	catalog  *Catalog
	vulns    *Vulnerabilities
	ledger   *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newFakeClock()
	return &fixture{
		db:       db,
		clock:    clock,
		projects: NewProjects(db, clock),
		catalog:  NewCatalog(db, clock),
		vulns:    NewVulnerabilities(db, clock),
		ledger:   NewLedger(db, clock),
	}
}

// entry creates a project (if needed) and a ledger entry for name==version
func (f *fixture) entry(t *testing.T, project, name, version string) models.LedgerEntry {
	t.Helper()
	ctx := context.Background()

	proj, err := f.projects.GetByName(ctx, project)
	if err != nil {
		proj, err = f.projects.Create(ctx, project, "", models.EcosystemPyPI)
		require.NoError(t, err)
	}
	depID, _, err := f.catalog.Resolve(ctx, name)
	require.NoError(t, err)
	id, _, err := f.ledger.UpsertEntry(ctx, proj.ID, depID, version)
	require.NoError(t, err)

	e, err := f.ledger.Entry(ctx, id)
	require.NoError(t, err)
	return *e
}

func (f *fixture) vuln(t *testing.T, externalID string) int64 {
	t.Helper()
	id, err := f.vulns.Upsert(context.Background(), models.Finding{
		ExternalID: externalID,
		Summary:    externalID + " summary",
		Details:    []byte(`{"id":"` + externalID + `"}`),
	})
	require.NoError(t, err)
	return id
}
