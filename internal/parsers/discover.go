package parsers

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// skipDirs are never searched for manifests
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// Discover parses the manifest at path or, when path is a directory, every
// manifest below it. It returns the packages and the manifests they came
// from. An invalid manifest fails the whole discovery.
func Discover(path string) ([]models.Package, []string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat path %s: %w", path, err)
	}
	if !info.IsDir() {
		pkgs, err := ParseFile(path)
		if err != nil {
			return nil, nil, err
		}
		return pkgs, []string{path}, nil
	}

	var (
		all   []models.Package
		files []string
	)
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := ForFile(p); !ok {
			return nil
		}

		pkgs, err := ParseFile(p)
		if err != nil {
			return err
		}
		all = append(all, pkgs...)
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return all, files, nil
}
