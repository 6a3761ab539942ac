package parsers

import (
	"strings"

	"golang.org/x/mod/modfile"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// GoModParser parses go.mod files
type GoModParser struct {
	IncludeIndirect bool // Whether to include indirect dependencies
}

// CanParse returns true for go.mod files
func (p *GoModParser) CanParse(filename string) bool {
	return filename == "go.mod"
}

// Parse extracts required modules from go.mod content. Replaced modules are
// reported at their replacement version.
func (p *GoModParser) Parse(filepath string, content []byte) ([]models.Package, error) {
	mod, err := modfile.Parse(filepath, content, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInvalid, "parsers.gomod", filepath, err)
	}

	var pkgs []models.Package
	for _, req := range mod.Require {
		// Skip indirect deps unless explicitly requested
		if req.Indirect && !p.IncludeIndirect {
			continue
		}

		path, version := replacement(mod, req.Mod.Path, req.Mod.Version)

		// OSV expects Go versions without the v prefix
		pkgs = append(pkgs, models.Package{
			Name:      path,
			Version:   strings.TrimPrefix(version, "v"),
			Ecosystem: models.EcosystemGo,
		})
	}

	return pkgs, nil
}

// replacement applies a replace directive to a required module. Local
// directory replacements have no version to scan and are ignored.
func replacement(mod *modfile.File, path, version string) (string, string) {
	for _, r := range mod.Replace {
		if r.Old.Path != path || r.New.Version == "" {
			continue
		}
		if r.Old.Version == "" || r.Old.Version == version {
			return r.New.Path, r.New.Version
		}
	}
	return path, version
}
