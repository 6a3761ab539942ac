package parsers

import (
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

// Parser is the interface for dependency file parsers
type Parser interface {
	// CanParse returns true if this parser can handle the given filename
	CanParse(filename string) bool

	// Parse extracts pinned packages from the file content
	Parse(filepath string, content []byte) ([]models.Package, error)
}

// GetAllParsers returns all available parsers
func GetAllParsers() []Parser {
	return []Parser{
		&PythonRequirementsParser{},
		&PythonPyProjectParser{},
		&NodePackageLockParser{},
		&GoModParser{},
	}
}

// ForFile returns the parser that handles the file's base name
func ForFile(path string) (Parser, bool) {
	name := filepath.Base(path)
	for _, p := range GetAllParsers() {
		if p.CanParse(name) {
			return p, true
		}
	}
	return nil, false
}

// ParseFile reads and parses a manifest, picking the parser by file name
func ParseFile(path string) ([]models.Package, error) {
	const op = "parsers.ParseFile"

	p, ok := ForFile(path)
	if !ok {
		return nil, apperrors.New(apperrors.KindInvalid, op,
			fmt.Sprintf("unsupported manifest %q", filepath.Base(path)), nil)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	pkgs, err := p.Parse(path, content)
	if err != nil {
		return nil, err
	}
	return pkgs, nil
}

// LineError reports an invalid manifest line
type LineError struct {
	File string
	Line int
	Text string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s: invalid requirement on line %d: %s", e.File, e.Line, e.Text)
}
