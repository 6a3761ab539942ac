package parsers

import (
	"encoding/json"
	"slices"
	"strings"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// NodePackageLockParser parses package-lock.json files
type NodePackageLockParser struct {
	IncludeDev bool // Whether to include dev dependencies
}

// CanParse returns true for package-lock.json files
func (p *NodePackageLockParser) CanParse(filename string) bool {
	return filename == "package-lock.json"
}

type lockedPackage struct {
	Version string `json:"version"`
	Dev     bool   `json:"dev"`
	Link    bool   `json:"link"`
}

// packageLock represents the structure of package-lock.json (v1/v2/v3)
type packageLock struct {
	LockfileVersion int `json:"lockfileVersion"`
	// V2/V3 format
	Packages map[string]lockedPackage `json:"packages"`
	// V1 format
	Dependencies map[string]lockedPackage `json:"dependencies"`
}

// Parse extracts installed packages from package-lock.json content
func (p *NodePackageLockParser) Parse(filepath string, content []byte) ([]models.Package, error) {
	var lock packageLock
	if err := json.Unmarshal(content, &lock); err != nil {
		return nil, apperrors.New(apperrors.KindInvalid, "parsers.packagelock", filepath, err)
	}

	var pkgs []models.Package
	seen := make(map[string]bool)
	add := func(name string, pkg lockedPackage) {
		if name == "" || pkg.Version == "" || pkg.Link || (pkg.Dev && !p.IncludeDev) {
			return
		}
		if seen[name+"@"+pkg.Version] {
			return
		}
		seen[name+"@"+pkg.Version] = true
		pkgs = append(pkgs, models.Package{Name: name, Version: pkg.Version, Ecosystem: models.EcosystemNpm})
	}

	// V2/V3 format: keys are install paths like "node_modules/a/node_modules/@types/node"
	for _, path := range sortedKeys(lock.Packages) {
		if path == "" {
			continue // root package
		}
		name := path
		if idx := strings.LastIndex(path, "node_modules/"); idx >= 0 {
			name = path[idx+len("node_modules/"):]
		}
		add(name, lock.Packages[path])
	}

	// V1 format fallback
	if len(lock.Packages) == 0 {
		for _, name := range sortedKeys(lock.Dependencies) {
			add(name, lock.Dependencies[name])
		}
	}

	slices.SortStableFunc(pkgs, func(a, b models.Package) int {
		return strings.Compare(a.Name, b.Name)
	})
	return pkgs, nil
}
