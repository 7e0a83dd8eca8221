// Package testutil provides recorded upstream payloads and golden-file
// comparison for adapter tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// FixtureContext holds information about one provider's fixtures.
type FixtureContext struct {
	// Provider is the fixture directory name (e.g., "github", "news")
	Provider string

	// Root is the absolute path to the fixture directory
	Root string

	// ExpectedDir is the path to the expected/ directory
	ExpectedDir string
}

// LoadFixture loads a provider fixture, failing the test on error.
func LoadFixture(t *testing.T, provider string) *FixtureContext {
	t.Helper()

	root := getFixturesRoot(t)
	fixtureDir := filepath.Join(root, provider)

	if _, err := os.Stat(fixtureDir); os.IsNotExist(err) {
		t.Fatalf("Fixture directory not found: %s", fixtureDir)
	}

	return &FixtureContext{
		Provider:    provider,
		Root:        fixtureDir,
		ExpectedDir: filepath.Join(fixtureDir, "expected"),
	}
}

// Payload returns the recorded upstream response body stored as name.
func (f *FixtureContext) Payload(t *testing.T, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(f.Root, name))
	if err != nil {
		t.Fatalf("Failed to read payload %s/%s: %v", f.Provider, name, err)
	}
	return data
}

// Handler serves the payload stored as name with the given content type.
func (f *FixtureContext) Handler(t *testing.T, name, contentType string) http.HandlerFunc {
	t.Helper()

	data := f.Payload(t, name)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(data)
	}
}

// ExpectedPath returns the path to a golden file within the fixture.
// The name should not include the .json extension.
func (f *FixtureContext) ExpectedPath(name string) string {
	return filepath.Join(f.ExpectedDir, name+".json")
}

// getFixturesRoot returns the absolute path to testdata/fixtures/.
func getFixturesRoot(t *testing.T) string {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get caller information")
	}

	// internal/testutil -> project root
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
	fixturesRoot := filepath.Join(projectRoot, "testdata", "fixtures")

	if _, err := os.Stat(fixturesRoot); os.IsNotExist(err) {
		t.Fatalf("Fixtures root not found: %s", fixturesRoot)
	}

	return fixturesRoot
}
