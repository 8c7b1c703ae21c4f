package database

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDSNCarriesPragmas(t *testing.T) {
	got := dsn("/data/riven.db")
	if !strings.HasPrefix(got, "/data/riven.db?") {
		t.Fatalf("dsn = %q, want it rooted at the database path", got)
	}
	for _, pragma := range []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(ON)",
	} {
		if !strings.Contains(got, pragma) {
			t.Errorf("dsn = %q, missing %s", got, pragma)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "riven.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v, want no-op", err)
	}
}
