package store

import "testing"

// OpenTest opens a fresh in-memory store for a test, migrated and ready to
// use, and registers cleanup to close it. Supersedes the teacher's
// internal/testutil/migrations.go, which pointed at a Postgres test
// container this module has no use for.
func OpenTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}
