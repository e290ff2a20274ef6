package testsupport

import (
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

//go:embed testdata/*.json
var fixtures embed.FS

// LoadFixture loads test data from a fixture file. Fixtures bundled with this
// package are found from any test package; other paths are relative to the
// test package directory.
func LoadFixture(t testing.TB, path string) []byte {
	t.Helper()

	data, err := fixtures.ReadFile(filepath.ToSlash(path))
	if err != nil {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
// The path is relative to the test package directory.
func LoadFixtureJSON(t testing.TB, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// Rows returns the rows of a fixture bundled with this package, such as
// "posts.json" or "tenant_posts.json".
func Rows(t testing.TB, name string) []map[string]any {
	t.Helper()

	var rows []map[string]any
	LoadFixtureJSON(t, FixturePath(name), &rows)
	return rows
}

// Posts returns the three post rows used across the test suites.
func Posts(t testing.TB) []map[string]any {
	t.Helper()
	return Rows(t, "posts.json")
}
