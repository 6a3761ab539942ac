package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

func TestVulnerabilityUpsertOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	modified := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	id, err := f.vulns.Upsert(ctx, models.Finding{
		ExternalID: "GHSA-xxxx",
		Summary:    "original",
		Severity:   models.SeverityModerate,
		Modified:   modified,
		Details:    []byte(`{"id":"GHSA-xxxx","rev":1}`),
	})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	again, err := f.vulns.Upsert(ctx, models.Finding{
		ExternalID: "GHSA-xxxx",
		Summary:    "revised",
		Severity:   models.SeverityCritical,
		Modified:   modified.Add(24 * time.Hour),
		Details:    []byte(`{"id":"GHSA-xxxx","rev":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	v, err := f.vulns.Get(ctx, "GHSA-xxxx")
	require.NoError(t, err)
	assert.Equal(t, "revised", v.Summary)
	assert.Equal(t, models.SeverityCritical, v.Severity)
	assert.JSONEq(t, `{"id":"GHSA-xxxx","rev":2}`, string(v.Details))
	assert.True(t, modified.Add(24*time.Hour).Equal(v.Modified))
	assert.True(t, v.UpdatedAt.After(v.CreatedAt))
}

func TestVulnerabilityGetNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.vulns.Get(context.Background(), "GHSA-none")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.vulns.Upsert(context.Background(), models.Finding{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalid))
}

func TestVulnerabilityWithoutDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vulns.Upsert(ctx, models.Finding{ExternalID: "PYSEC-1"})
	require.NoError(t, err)

	v, err := f.vulns.Get(ctx, "PYSEC-1")
	require.NoError(t, err)
	assert.Empty(t, v.Details)
	assert.True(t, v.Modified.IsZero())
}

func TestVulnerabilityPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.entry(t, "web-app", "requests", "2.25.0")
	used := f.vuln(t, "GHSA-used")
	f.vuln(t, "GHSA-orphan")
	require.NoError(t, f.ledger.RecordScanResult(ctx, e.ID, []int64{used}, nil))

	n, err := f.vulns.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.vulns.Get(ctx, "GHSA-used")
	assert.NoError(t, err)
	_, err = f.vulns.Get(ctx, "GHSA-orphan")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestVulnerabilityUpsertAbbreviatedKeepsFullRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	id, err := f.vulns.Upsert(ctx, models.Finding{
		ExternalID: "GHSA-1",
		Summary:    "Real summary",
		Severity:   models.SeverityHigh,
		Modified:   modified,
		Details:    []byte(`{"id":"GHSA-1","summary":"Real summary"}`),
	})
	require.NoError(t, err)

	// Same revision, batch form only
	again, err := f.vulns.Upsert(ctx, models.Finding{
		ExternalID:  "GHSA-1",
		Modified:    modified,
		Details:     []byte(`{"id":"GHSA-1","modified":"2024-01-02T03:04:05Z"}`),
		Abbreviated: true,
	})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	v, err := f.vulns.Get(ctx, "GHSA-1")
	require.NoError(t, err)
	assert.Equal(t, "Real summary", v.Summary)
	assert.Equal(t, models.SeverityHigh, v.Severity)
	assert.JSONEq(t, `{"id":"GHSA-1","summary":"Real summary"}`, string(v.Details))

	// A newer revision replaces the record even in batch form
	newer := modified.Add(time.Hour)
	_, err = f.vulns.Upsert(ctx, models.Finding{
		ExternalID:  "GHSA-1",
		Modified:    newer,
		Details:     []byte(`{"id":"GHSA-1","modified":"2024-01-02T04:04:05Z"}`),
		Abbreviated: true,
	})
	require.NoError(t, err)

	v, err = f.vulns.Get(ctx, "GHSA-1")
	require.NoError(t, err)
	assert.Empty(t, v.Summary)
	assert.True(t, newer.Equal(v.Modified))
}

func TestVulnerabilityUpsertAbbreviatedInserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.vulns.Upsert(ctx, models.Finding{
		ExternalID:  "PYSEC-2",
		Summary:     "batch summary",
		Modified:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Abbreviated: true,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	v, err := f.vulns.Get(ctx, "PYSEC-2")
	require.NoError(t, err)
	assert.Equal(t, "batch summary", v.Summary)
}
