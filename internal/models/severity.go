package models

import "strings"

// Severity is a normalized advisory severity label
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityModerate Severity = "MODERATE"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = ""
)

// Rank returns the numeric priority of the severity. Higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity normalizes the labels found in OSV advisories.
// GitHub advisories use MODERATE, other databases use MEDIUM.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MODERATE", "MEDIUM":
		return SeverityModerate
	case "LOW":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// Highest returns the worst severity among the vulnerabilities
func Highest(vulns []Vulnerability) Severity {
	highest := SeverityUnknown
	for _, v := range vulns {
		if v.Severity.Rank() > highest.Rank() {
			highest = v.Severity
		}
	}
	return highest
}
