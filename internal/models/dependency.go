package models

import (
	"fmt"
	"strings"
	"time"
)

// Ecosystem represents a package ecosystem as named by OSV
type Ecosystem string

const (
	EcosystemPyPI Ecosystem = "PyPI"
	EcosystemNpm  Ecosystem = "npm"
	EcosystemGo   Ecosystem = "Go"
)

// ParseEcosystem matches an ecosystem name case-insensitively
func ParseEcosystem(s string) (Ecosystem, error) {
	for _, e := range []Ecosystem{EcosystemPyPI, EcosystemNpm, EcosystemGo} {
		if strings.EqualFold(s, string(e)) {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown ecosystem %q (want PyPI, npm or Go)", s)
}

// Package is a single (name, version) pair declared by a manifest.
// The ecosystem qualifies the pair when it is sent to the feed.
type Package struct {
	Name      string
	Version   string
	Ecosystem Ecosystem
}

// String returns a human-readable representation
func (p Package) String() string {
	return p.Name + "@" + p.Version
}

// Dependency is a catalogued dependency name. It is version-agnostic and
// shared by every project that declares it.
type Dependency struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// DependencyUsage describes one dependency version across all projects.
type DependencyUsage struct {
	Name             string
	Version          string
	Projects         []string
	VulnerabilityIDs []string
	LastScannedAt    *time.Time
}

// IsVulnerable returns true if the last scan reported any vulnerability
func (u DependencyUsage) IsVulnerable() bool {
	return len(u.VulnerabilityIDs) > 0
}
