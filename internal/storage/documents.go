package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Documents is the JSON-document view over the documents table. Tier
// snapshots, facts, compression metrics, pins, and estimator state all live
// here, addressed by slash-separated paths ("context/<id>/pins").
//
// Bodies over compressMin bytes are stored zstd-compressed; incompressible
// bodies fall back to plain storage.
type Documents struct {
	db *DB
}

// Documents returns the document store view.
func (db *DB) Documents() *Documents {
	return &Documents{db: db}
}

// WriteJSON marshals v and stores it at path, overwriting any previous body.
func (d *Documents) WriteJSON(path string, v any) error {
	return d.writeJSON(path, v, nil)
}

// WriteJSONTTL stores v at path with an expiry; expired documents are removed
// by the maintenance cleanup job and treated as missing on read.
func (d *Documents) WriteJSONTTL(path string, v any, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	return d.writeJSON(path, v, &expires)
}

func (d *Documents) writeJSON(path string, v any, expires *time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", path, err)
	}

	body, compressed := maybeCompress(data)

	var expiresVal any
	if expires != nil {
		expiresVal = *expires
	}

	_, err = d.db.Exec(
		`INSERT INTO documents (path, body, compressed, updated_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET body = excluded.body, compressed = excluded.compressed,
		 updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		path, body, boolToInt(compressed), time.Now().UTC(), expiresVal,
	)
	return err
}

// ReadJSON loads the document at path into v. Returns ErrDocNotFound for
// missing or expired documents.
func (d *Documents) ReadJSON(path string, v any) error {
	var body []byte
	var compressed int
	var expires sql.NullTime

	err := d.db.QueryRow(
		"SELECT body, compressed, expires_at FROM documents WHERE path = ?", path,
	).Scan(&body, &compressed, &expires)
	if err == sql.ErrNoRows {
		return ErrDocNotFound
	}
	if err != nil {
		return err
	}
	if expires.Valid && time.Now().UTC().After(expires.Time) {
		return ErrDocNotFound
	}

	if compressed != 0 {
		body, err = decompress(body)
		if err != nil {
			return fmt.Errorf("decompress document %s: %w", path, err)
		}
	}

	return json.Unmarshal(body, v)
}

// List returns all live document paths with the given prefix, sorted.
func (d *Documents) List(prefix string) ([]string, error) {
	rows, err := d.db.Query(
		"SELECT path FROM documents WHERE path LIKE ? || '%' AND (expires_at IS NULL OR expires_at > ?) ORDER BY path",
		prefix, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Remove deletes the document at path. Removing a missing document is not an
// error.
func (d *Documents) Remove(path string) error {
	_, err := d.db.Exec("DELETE FROM documents WHERE path = ?", path)
	return err
}

// RemovePrefix deletes every document under prefix and returns the count.
func (d *Documents) RemovePrefix(prefix string) (int64, error) {
	res, err := d.db.Exec("DELETE FROM documents WHERE path LIKE ? || '%'", prefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanExpired removes expired documents and returns the count.
func (d *Documents) CleanExpired() (int64, error) {
	res, err := d.db.Exec(
		"DELETE FROM documents WHERE expires_at IS NOT NULL AND expires_at <= ?",
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
