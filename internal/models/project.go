package models

import "time"

// Project is a tracked software project
type Project struct {
	ID          int64
	Name        string
	Description string
	Ecosystem   Ecosystem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LedgerEntry is a (project, dependency, version) triple with its scan cache state
type LedgerEntry struct {
	ID             int64
	ProjectID      int64
	DependencyID   int64
	DependencyName string
	Version        string

	// LastScannedAt is nil when the entry has never been scanned
	LastScannedAt *time.Time

	// ScanResult is the cached feed answer from the last successful scan
	ScanResult []byte
}

// Package returns the feed query for this entry
func (e LedgerEntry) Package(ecosystem Ecosystem) Package {
	return Package{
		Name:      e.DependencyName,
		Version:   e.Version,
		Ecosystem: ecosystem,
	}
}

// IngestResult summarizes a manifest ingestion
type IngestResult struct {
	Added     int
	Unchanged int
	Removed   int
}
