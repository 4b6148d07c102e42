package migrations

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	if err := Run(db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, table := range []string{"sessions", "messages", "documents", "_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	v, err := Version(db)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v < 1 {
		t.Errorf("version = %d, want >= 1", v)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Run(db); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, err := Version(db)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}

	if err := Run(db); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	after, err := Version(db)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}

	if before != after {
		t.Errorf("version changed on rerun: %d -> %d", before, after)
	}
}

func TestPendingDrainsAfterRun(t *testing.T) {
	db := openTestDB(t)

	if err := ensureLedger(db); err != nil {
		t.Fatalf("ensureLedger: %v", err)
	}

	todo, err := Pending(db)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(todo) == 0 {
		t.Fatal("fresh database has no pending migrations")
	}
	for i := 1; i < len(todo); i++ {
		if todo[i] <= todo[i-1] {
			t.Fatalf("pending not ascending: %v", todo)
		}
	}

	if err := Run(db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	todo, err = Pending(db)
	if err != nil {
		t.Fatalf("Pending after Run: %v", err)
	}
	if len(todo) != 0 {
		t.Errorf("pending after Run = %v, want none", todo)
	}
}
