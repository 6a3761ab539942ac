package reporter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

func sampleReport() *models.ScanReport {
	scanned := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &models.ScanReport{
		ScanID:      "scan-1",
		ProjectID:   1,
		ProjectName: "web-app",
		MaxAge:      24 * time.Hour,
		StartedAt:   scanned,
		FinishedAt:  scanned.Add(time.Second),
		Entries: []models.EntryView{
			{
				Dependency:    "flask",
				Version:       "2.0.0",
				Status:        models.StatusFresh,
				LastScannedAt: &scanned,
			},
			{
				Dependency:    "requests",
				Version:       "2.25.0",
				Status:        models.StatusRescanned,
				LastScannedAt: &scanned,
				Vulnerabilities: []models.Vulnerability{{
					ExternalID: "GHSA-xxxx",
					Summary:    "Proxy-Authorization header leak",
					Severity:   models.SeverityModerate,
					Modified:   scanned,
				}},
			},
			{
				Dependency:    "urllib3",
				Version:       "1.26.0",
				Status:        models.StatusScanFailed,
				PossiblyStale: true,
				Error:         "feed unavailable",
			},
		},
	}
}

func TestGet(t *testing.T) {
	assert.IsType(t, &JSONReporter{}, Get("json"))
	assert.IsType(t, &TerminalReporter{}, Get("terminal"))
	assert.IsType(t, &TerminalReporter{}, Get(""))
}

func TestJSONReporter(t *testing.T) {
	out, err := (&JSONReporter{}).Report([]*models.ScanReport{sampleReport()})
	require.NoError(t, err)

	var decoded jsonOutput
	require.NoError(t, json.Unmarshal(out, &decoded))

	assert.Equal(t, jsonSummary{
		Projects:          1,
		Entries:           3,
		VulnerableEntries: 1,
		Fresh:             1,
		Rescanned:         1,
		ScanFailed:        1,
	}, decoded.Summary)

	require.Len(t, decoded.Scans, 1)
	scan := decoded.Scans[0]
	assert.Equal(t, "web-app", scan.Project)
	assert.Equal(t, "24h0m0s", scan.MaxAge)
	require.Len(t, scan.Entries, 3)
	assert.Equal(t, "GHSA-xxxx", scan.Entries[1].Vulnerabilities[0].ID)
	assert.Equal(t, "MODERATE", scan.Entries[1].Vulnerabilities[0].Severity)
	assert.Nil(t, scan.Entries[2].LastScannedAt)
	assert.True(t, scan.Entries[2].PossiblyStale)
	assert.NotNil(t, scan.Entries[0].Vulnerabilities, "clean entries encode an empty list")
}

func TestTerminalReporter(t *testing.T) {
	out, err := (&TerminalReporter{}).Report([]*models.ScanReport{sampleReport()})
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "web-app (scan scan-1)")
	assert.Contains(t, text, "3 dependencies: 1 fresh, 1 rescanned, 1 failed")
	assert.Contains(t, text, "requests@2.25.0 [rescanned]")
	assert.Contains(t, text, "GHSA-xxxx (MODERATE)")
	assert.Contains(t, text, "urllib3@1.26.0 [scan_failed]")
	assert.Contains(t, text, "Never scanned")
	assert.NotContains(t, text, "flask@2.0.0")
}

func TestTerminalReporterEmpty(t *testing.T) {
	out, err := (&TerminalReporter{}).Report(nil)
	require.NoError(t, err)
	assert.Equal(t, "No projects scanned.\n", string(out))
}
