package main

import (
	"path/filepath"
	"testing"
)

// The sqlite driver must be registered by this package's own imports: test
// files register it for their packages, but the binary only sees what main.go
// pulls in.
func TestOpenServiceDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "portal.db")

	db, err := openServiceDB(path)
	if err != nil {
		t.Fatalf("openServiceDB: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"audit_log", "refinement_runs", "worker_heartbeats", "rate_limits"} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
