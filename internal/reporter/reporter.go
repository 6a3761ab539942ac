package reporter

import "github.com/ethanolivertroy/vuln-ledger/internal/models"

// Reporter is the interface for output formatters
type Reporter interface {
	// Report generates output for the given scan reports
	Report(reports []*models.ScanReport) ([]byte, error)
}

// Get returns a reporter for the specified format
func Get(format string) Reporter {
	switch format {
	case "json":
		return &JSONReporter{}
	default:
		return &TerminalReporter{}
	}
}
