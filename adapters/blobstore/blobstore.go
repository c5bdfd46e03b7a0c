// Package blobstore implements the publish_blob/read_blob group-config
// sharing surface over a remote libSQL (Turso) database, reached directly
// rather than through the server transport.
package blobstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"cyphertextkit/ctkerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store publishes and reads opaque blobs against a libsql:// (Turso)
// database, keeping group-config sharing off the main server transport
// path.
type Store struct {
	conn *sql.DB
}

// Open connects to dbURL, which must be a libsql:// Turso connection
// string (authToken query parameter included), and applies any pending
// migrations.
func Open(dbURL string) (*Store, error) {
	const op = "blobstore.Open"
	if !strings.HasPrefix(dbURL, "libsql://") {
		return nil, ctkerr.New(op, ctkerr.InputBad, fmt.Errorf("invalid database URL: must start with libsql://"))
	}
	conn, err := sql.Open("libsql", dbURL)
	if err != nil {
		return nil, ctkerr.New(op, ctkerr.TransportOffline, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, ctkerr.New(op, ctkerr.TransportOffline, err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) migrate() error {
	const op = "blobstore.migrate"
	if _, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return ctkerr.New(op, ctkerr.ConfigCorrupt, err)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return ctkerr.New(op, ctkerr.ConfigCorrupt, err)
	}
	sort.Slice(files, func(i, j int) bool { return migrationVersion(files[i]) < migrationVersion(files[j]) })

	applied, err := s.appliedMigrations()
	if err != nil {
		return err
	}
	for _, f := range files {
		version := migrationVersion(f)
		if applied[version] {
			continue
		}
		content, err := migrationsFS.ReadFile(f)
		if err != nil {
			return ctkerr.New(op, ctkerr.ConfigCorrupt, err)
		}
		if _, err := s.conn.Exec(string(content)); err != nil {
			return ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("migration %s: %w", f, err))
		}
		if _, err := s.conn.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().Unix(),
		); err != nil {
			return ctkerr.New(op, ctkerr.ConfigCorrupt, err)
		}
	}
	return nil
}

func (s *Store) appliedMigrations() (map[int]bool, error) {
	rows, err := s.conn.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, ctkerr.New("blobstore.appliedMigrations", ctkerr.ConfigCorrupt, err)
	}
	defer rows.Close()
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func migrationVersion(filename string) int {
	base := filepath.Base(filename)
	parts := strings.SplitN(base, "_", 2)
	if len(parts) == 0 {
		return 0
	}
	v, _ := strconv.Atoi(parts[0])
	return v
}

// PublishBlob upserts payload under key.
func (s *Store) PublishBlob(ctx context.Context, key string, payload []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO blobs (key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, key, payload, time.Now().Unix())
	if err != nil {
		return ctkerr.New("blobstore.PublishBlob", ctkerr.TransportOffline, err)
	}
	return nil
}

// ReadBlob returns the payload stored under key, or ctkerr.StateNotFound if
// nothing has been published there.
func (s *Store) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	const op = "blobstore.ReadBlob"
	row := s.conn.QueryRowContext(ctx, `SELECT payload FROM blobs WHERE key = ?`, key)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ctkerr.New(op, ctkerr.StateNotFound, fmt.Errorf("no blob published for key %q", key))
		}
		return nil, ctkerr.New(op, ctkerr.TransportOffline, err)
	}
	return payload, nil
}
