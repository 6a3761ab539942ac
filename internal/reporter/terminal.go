package reporter

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// TerminalReporter outputs scan reports in a human-readable terminal format
type TerminalReporter struct{}

// Report generates terminal output for the given scan reports
func (r *TerminalReporter) Report(reports []*models.ScanReport) ([]byte, error) {
	if len(reports) == 0 {
		return []byte("No projects scanned.\n"), nil
	}

	var sb strings.Builder
	for _, rep := range reports {
		writeReport(&sb, rep)
	}
	return []byte(sb.String()), nil
}

func writeReport(sb *strings.Builder, rep *models.ScanReport) {
	fmt.Fprintf(sb, "\n📁 %s (scan %s)\n", rep.ProjectName, rep.ScanID)
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(sb, "%d dependencies: %d fresh, %d rescanned, %d failed\n",
		len(rep.Entries),
		rep.Count(models.StatusFresh),
		rep.Count(models.StatusRescanned),
		rep.Count(models.StatusScanFailed))

	vulnerable := rep.VulnerableEntries()
	if vulnerable == 0 {
		sb.WriteString("✅ No known vulnerabilities\n")
	} else {
		fmt.Fprintf(sb, "⚠️  %d vulnerable dependencies\n", vulnerable)
	}
	sb.WriteString("\n")

	for _, e := range rep.Entries {
		if len(e.Vulnerabilities) == 0 && e.Status != models.StatusScanFailed {
			continue
		}

		fmt.Fprintf(sb, "📦 %s@%s [%s]\n", e.Dependency, e.Version, e.Status)
		if e.LastScannedAt != nil {
			fmt.Fprintf(sb, "   Last scanned: %s\n", e.LastScannedAt.Format(time.RFC3339))
		} else {
			sb.WriteString("   Never scanned\n")
		}
		if e.Status == models.StatusScanFailed {
			fmt.Fprintf(sb, "   ❌ %s\n", e.Error)
			if e.PossiblyStale && len(e.Vulnerabilities) > 0 {
				sb.WriteString("   Showing last known vulnerabilities (possibly stale)\n")
			}
		}

		for _, v := range e.Vulnerabilities {
			fmt.Fprintf(sb, "\n   %s %s", severityMarker(v.Severity), v.ExternalID)
			if v.Severity != models.SeverityUnknown {
				fmt.Fprintf(sb, " (%s)", v.Severity)
			}
			sb.WriteString("\n")

			if v.Summary != "" {
				// Truncate long summaries
				summary := v.Summary
				if len(summary) > 200 {
					summary = summary[:197] + "..."
				}
				fmt.Fprintf(sb, "      %s\n", summary)
			}
			if !v.Modified.IsZero() {
				fmt.Fprintf(sb, "      Modified: %s\n", v.Modified.Format("2006-01-02"))
			}
		}
		sb.WriteString("\n" + strings.Repeat("-", 60) + "\n")
	}
}

func severityMarker(s models.Severity) string {
	switch s {
	case models.SeverityCritical, models.SeverityHigh:
		return "🔴"
	case models.SeverityModerate:
		return "🟠"
	case models.SeverityLow:
		return "🟡"
	default:
		return "⚪"
	}
}
