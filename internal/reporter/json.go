package reporter

import (
	"encoding/json"
	"time"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// JSONReporter outputs scan reports in JSON format
type JSONReporter struct{}

// jsonOutput represents the JSON output structure
type jsonOutput struct {
	Summary jsonSummary  `json:"summary"`
	Scans   []jsonReport `json:"scans"`
}

type jsonSummary struct {
	Projects          int `json:"projects"`
	Entries           int `json:"entries"`
	VulnerableEntries int `json:"vulnerable_entries"`
	Fresh             int `json:"fresh"`
	Rescanned         int `json:"rescanned"`
	ScanFailed        int `json:"scan_failed"`
}

type jsonReport struct {
	ScanID     string      `json:"scan_id"`
	Project    string      `json:"project"`
	MaxAge     string      `json:"max_age"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Entries    []jsonEntry `json:"entries"`
}

type jsonEntry struct {
	Dependency      string              `json:"dependency"`
	Version         string              `json:"version"`
	Status          string              `json:"status"`
	LastScannedAt   *time.Time          `json:"last_scanned_at"`
	PossiblyStale   bool                `json:"possibly_stale,omitempty"`
	Error           string              `json:"error,omitempty"`
	Vulnerabilities []jsonVulnerability `json:"vulnerabilities"`
}

type jsonVulnerability struct {
	ID       string    `json:"id"`
	Summary  string    `json:"summary,omitempty"`
	Severity string    `json:"severity,omitempty"`
	Modified time.Time `json:"modified"`
}

// Report generates JSON output for the given scan reports
func (r *JSONReporter) Report(reports []*models.ScanReport) ([]byte, error) {
	output := jsonOutput{
		Summary: jsonSummary{Projects: len(reports)},
		Scans:   make([]jsonReport, 0, len(reports)),
	}

	for _, rep := range reports {
		jr := jsonReport{
			ScanID:     rep.ScanID,
			Project:    rep.ProjectName,
			MaxAge:     rep.MaxAge.String(),
			StartedAt:  rep.StartedAt,
			FinishedAt: rep.FinishedAt,
			Entries:    make([]jsonEntry, 0, len(rep.Entries)),
		}

		output.Summary.Entries += len(rep.Entries)
		output.Summary.VulnerableEntries += rep.VulnerableEntries()
		output.Summary.Fresh += rep.Count(models.StatusFresh)
		output.Summary.Rescanned += rep.Count(models.StatusRescanned)
		output.Summary.ScanFailed += rep.Count(models.StatusScanFailed)

		for _, e := range rep.Entries {
			je := jsonEntry{
				Dependency:      e.Dependency,
				Version:         e.Version,
				Status:          string(e.Status),
				LastScannedAt:   e.LastScannedAt,
				PossiblyStale:   e.PossiblyStale,
				Error:           e.Error,
				Vulnerabilities: make([]jsonVulnerability, 0, len(e.Vulnerabilities)),
			}
			for _, v := range e.Vulnerabilities {
				je.Vulnerabilities = append(je.Vulnerabilities, jsonVulnerability{
					ID:       v.ExternalID,
					Summary:  v.Summary,
					Severity: string(v.Severity),
					Modified: v.Modified,
				})
			}
			jr.Entries = append(jr.Entries, je)
		}

		output.Scans = append(output.Scans, jr)
	}

	return json.MarshalIndent(output, "", "  ")
}
