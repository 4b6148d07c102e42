// Package migrations applies embedded SQL schema migrations in order.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed scripts/*.sql
var FS embed.FS

// migration is one embedded script, keyed by the numeric prefix of its
// filename (0001_init.sql is version 1).
type migration struct {
	version int
	name    string
	body    string
}

// Run brings the schema up to date, applying each missing migration in
// its own transaction.
func Run(db *sql.DB) error {
	if err := ensureLedger(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	todo, err := unapplied(db)
	if err != nil {
		return err
	}

	for _, m := range todo {
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Version returns the highest applied migration version, 0 for a fresh
// database.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM _migrations").Scan(&v)
	return v, err
}

// Pending lists the versions Run would apply, ascending.
func Pending(db *sql.DB) ([]int, error) {
	todo, err := unapplied(db)
	if err != nil {
		return nil, err
	}

	versions := make([]int, len(todo))
	for i, m := range todo {
		versions[i] = m.version
	}
	return versions, nil
}

func ensureLedger(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// unapplied loads the embedded scripts whose versions are missing from
// the ledger, sorted ascending.
func unapplied(db *sql.DB) ([]migration, error) {
	rows, err := db.Query("SELECT version FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations table: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	all, err := scripts()
	if err != nil {
		return nil, fmt.Errorf("load migration scripts: %w", err)
	}

	var todo []migration
	for _, m := range all {
		if !done[m.version] {
			todo = append(todo, m)
		}
	}
	return todo, nil
}

// scripts reads every embedded .sql file. Files without a numeric
// version prefix are skipped.
func scripts() ([]migration, error) {
	// Embedded paths always use forward slashes, so no filepath here.
	names, err := fs.Glob(FS, "scripts/*.sql")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, name := range names {
		base := path.Base(name)
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			prefix = strings.TrimSuffix(base, ".sql")
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		body, err := fs.ReadFile(FS, name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: base, body: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// apply runs one script and records its version atomically.
func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.body); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO _migrations (version) VALUES (?)", m.version); err != nil {
		return err
	}
	return tx.Commit()
}
