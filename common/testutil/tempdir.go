// Package testutil holds helpers shared across this repository's test
// suites.
package testutil

import (
	"os"
	"testing"
)

// TempDir creates a temporary directory removed when the test finishes.
func TempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "pagetrie-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}
