package parsers

import (
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// PythonRequirementsParser parses requirements.txt files. Every requirement
// must be pinned with ==.
type PythonRequirementsParser struct{}

// CanParse returns true for requirements.txt files
func (p *PythonRequirementsParser) CanParse(filename string) bool {
	return filename == "requirements.txt" ||
		strings.HasSuffix(filename, "-requirements.txt") ||
		strings.HasSuffix(filename, "_requirements.txt") ||
		filename == "requirements-dev.txt" ||
		filename == "requirements-test.txt"
}

// pinnedPattern matches name[extras]==version with an optional environment
// marker
var pinnedPattern = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(?:\[[^\]]*\])?\s*==\s*([A-Za-z0-9][A-Za-z0-9.+!_-]*)\s*(?:;.*)?$`)

// Parse extracts packages from requirements.txt content. Option lines such
// as -r, -c and -e are skipped; anything else that is not a pinned
// requirement is rejected with its line number.
func (p *PythonRequirementsParser) Parse(filepath string, content []byte) ([]models.Package, error) {
	var pkgs []models.Package
	lines := strings.Split(string(content), "\n")

	for i := 0; i < len(lines); i++ {
		lineNum := i + 1
		line := strings.TrimSpace(strings.TrimSuffix(lines[i], "\r"))

		// Join continuation lines
		for strings.HasSuffix(line, `\`) && i+1 < len(lines) {
			i++
			line = strings.TrimSpace(strings.TrimSuffix(line, `\`) + " " + strings.TrimSpace(lines[i]))
		}
		line = strings.TrimSpace(strings.TrimSuffix(line, `\`))

		// Remove comments
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		// Drop per-requirement options such as --hash
		if idx := strings.Index(line, " --"); idx > 0 {
			line = strings.TrimSpace(line[:idx])
		}

		m := pinnedPattern.FindStringSubmatch(line)
		if m == nil {
			return nil, apperrors.New(apperrors.KindInvalid, "parsers.requirements", "",
				&LineError{File: filepath, Line: lineNum, Text: line})
		}
		pkgs = append(pkgs, models.Package{
			Name:      m[1],
			Version:   m[2],
			Ecosystem: models.EcosystemPyPI,
		})
	}

	return pkgs, nil
}

// PythonPyProjectParser parses pyproject.toml files. Only exact pins are
// taken; ranges do not name a version that can be scanned.
type PythonPyProjectParser struct{}

// CanParse returns true for pyproject.toml files
func (p *PythonPyProjectParser) CanParse(filename string) bool {
	return filename == "pyproject.toml"
}

// pyproject represents the structure of pyproject.toml
type pyproject struct {
	Project struct {
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies    map[string]any `toml:"dependencies"`
			DevDependencies map[string]any `toml:"dev-dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// poetryPinPattern matches a Poetry exact version: "1.2.3" or "==1.2.3"
var poetryPinPattern = regexp.MustCompile(`^(?:==)?\s*([0-9][A-Za-z0-9.+!_-]*)$`)

// Parse extracts pinned dependencies from pyproject.toml content
func (p *PythonPyProjectParser) Parse(filepath string, content []byte) ([]models.Package, error) {
	var proj pyproject
	if err := toml.Unmarshal(content, &proj); err != nil {
		return nil, apperrors.New(apperrors.KindInvalid, "parsers.pyproject", filepath, err)
	}

	var pkgs []models.Package
	add := func(name, version string) {
		pkgs = append(pkgs, models.Package{Name: name, Version: version, Ecosystem: models.EcosystemPyPI})
	}

	// PEP 621 dependencies
	specs := append([]string(nil), proj.Project.Dependencies...)
	for _, group := range sortedKeys(proj.Project.OptionalDependencies) {
		specs = append(specs, proj.Project.OptionalDependencies[group]...)
	}
	for _, spec := range specs {
		if m := pinnedPattern.FindStringSubmatch(strings.TrimSpace(spec)); m != nil {
			add(m[1], m[2])
		}
	}

	// Poetry dependencies
	for _, table := range []map[string]any{proj.Tool.Poetry.Dependencies, proj.Tool.Poetry.DevDependencies} {
		for _, name := range sortedKeys(table) {
			if name == "python" {
				continue
			}
			if version, ok := poetryPin(table[name]); ok {
				add(name, version)
			}
		}
	}

	return pkgs, nil
}

func poetryPin(val any) (string, bool) {
	var spec string
	switch v := val.(type) {
	case string:
		spec = v
	case map[string]any:
		s, ok := v["version"].(string)
		if !ok {
			return "", false
		}
		spec = s
	default:
		return "", false
	}
	m := poetryPinPattern.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return "", false
	}
	return m[1], true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
