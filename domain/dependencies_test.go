package domain_test

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDomainHasNoExternalDependencies verifies that the domain layer (ast,
// boxmodel, mirtypes, errors, ports) depends only on the standard library and
// on other domain packages — never on application/ or infrastructure/. This
// is the hexagonal-architecture boundary the rest of the module is built on.
func TestDomainHasNoExternalDependencies(t *testing.T) {
	domainPath := "."
	subpackages := []string{"ast", "boxmodel", "mirtypes", "errors", "ports"}

	fset := token.NewFileSet()
	for _, pkg := range subpackages {
		pattern := filepath.Join(domainPath, pkg, "*.go")
		files, err := filepath.Glob(pattern)
		require.NoError(t, err, "failed to glob %s files", pkg)
		require.NotEmpty(t, files, "domain/%s should contain Go files", pkg)

		for _, file := range files {
			if strings.HasSuffix(file, "_test.go") {
				continue
			}
			checkFileImports(t, fset, file, pkg)
		}
	}
}

func checkFileImports(t *testing.T, fset *token.FileSet, filename, pkg string) {
	t.Helper()

	f, err := parser.ParseFile(fset, filename, nil, parser.ImportsOnly)
	require.NoError(t, err, "failed to parse %s", filename)

	for _, imp := range f.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)

		forbidden := []string{
			"nyash-core/application",
			"nyash-core/infrastructure",
			"nyash-core/wireformat",
			"nyash-core/cmd",
		}
		for _, f := range forbidden {
			assert.NotContains(t, importPath, f,
				"domain/%s package (%s) must not import %s (violates hexagonal architecture)",
				pkg, filepath.Base(filename), f)
		}

		if strings.HasPrefix(importPath, "nyash-core/") {
			assert.True(t, strings.HasPrefix(importPath, "nyash-core/domain/"),
				"domain/%s package (%s) imports non-domain package: %s",
				pkg, filepath.Base(filename), importPath)
		}
	}
}
