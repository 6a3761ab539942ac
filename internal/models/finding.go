package models

import (
	"encoding/json"
	"time"
)

// Finding is a single advisory reported by the feed for a package
type Finding struct {
	ExternalID string
	Summary    string
	Severity   Severity
	Modified   time.Time
	Details    json.RawMessage

	// Abbreviated is set when only the batch form of the advisory was
	// available. It must not replace a stored full record of the same
	// revision.
	Abbreviated bool
}

// FeedResult is the feed's answer for one requested package. Err is set when
// the lookup failed; a nil Err with no findings means the package is clean.
type FeedResult struct {
	Findings []Finding
	Err      error
}

// Failed returns true if the lookup did not produce an answer
func (r FeedResult) Failed() bool {
	return r.Err != nil
}

// Vulnerability is a stored advisory, one row per external identifier
type Vulnerability struct {
	ID         int64
	ExternalID string
	Summary    string
	Severity   Severity
	Modified   time.Time
	Details    json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ScanStatus reports how an entry's view was produced
type ScanStatus string

const (
	StatusFresh      ScanStatus = "fresh"
	StatusRescanned  ScanStatus = "rescanned"
	StatusScanFailed ScanStatus = "scan_failed"
)

// EntryView is the point-in-time vulnerability view of a ledger entry
type EntryView struct {
	EntryID         int64
	Dependency      string
	Version         string
	Status          ScanStatus
	LastScannedAt   *time.Time
	PossiblyStale   bool
	Error           string
	Vulnerabilities []Vulnerability
}

// ScanReport is the assembled answer to a scan request
type ScanReport struct {
	ScanID      string
	ProjectID   int64
	ProjectName string
	MaxAge      time.Duration
	StartedAt   time.Time
	FinishedAt  time.Time
	Entries     []EntryView
}

// Count returns the number of entries with the given status
func (r *ScanReport) Count(status ScanStatus) int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

// VulnerableEntries returns the number of entries with at least one vulnerability
func (r *ScanReport) VulnerableEntries() int {
	n := 0
	for _, e := range r.Entries {
		if len(e.Vulnerabilities) > 0 {
			n++
		}
	}
	return n
}
