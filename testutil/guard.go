// Package testutil holds test helpers that enforce package boundaries.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// InternalImport matches any path under an internal/ tree.
func InternalImport(path string) bool {
	return strings.Contains(path, "/internal/")
}

// AdapterImport matches the adapter packages that sit on top of the core service.
func AdapterImport(path string) bool {
	return strings.Contains(path, "/internal/adapters")
}

// CommandImport matches main packages under cmd/.
func CommandImport(path string) bool {
	return strings.HasPrefix(path, "transitreg/cmd/") || strings.Contains(path, "/cmd/")
}

// ImportViolations lists the imports of non-test files in dir that match forbidden.
// Each entry is formatted as "path (in file.go)".
func ImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			path, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				return nil, err
			}
			if forbidden(path) {
				viols = append(viols, path+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

// AssertNoImports fails t when any non-test file in dir imports a forbidden path.
func AssertNoImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := ImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan imports in %s: %v", dir, err)
	}
	if len(viols) > 0 {
		t.Fatalf("forbidden imports (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
