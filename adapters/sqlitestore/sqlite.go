// Package sqlitestore implements store.Store against a local SQLite
// database, plus an in-memory fixture for tests.
package sqlitestore

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

	_ "github.com/mattn/go-sqlite3"

	"cyphertextkit/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is a store.Store backed by a local SQLite file (or ":memory:").
type DB struct {
	conn *sql.DB
}

var _ store.Store = (*DB)(nil)

// Open opens path with the sqlite3 driver and applies any pending
// migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: ping %s: %w", path, err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlitestore: create schema_migrations: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("sqlitestore: glob migrations: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return migrationVersion(files[i]) < migrationVersion(files[j]) })

	applied, err := db.appliedMigrations()
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
			return fmt.Errorf("sqlitestore: read migration %s: %w", f, err)
		}
		if _, err := db.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("sqlitestore: apply migration %s: %w", f, err)
		}
		if _, err := db.conn.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("sqlitestore: record migration %s: %w", f, err)
		}
	}
	return nil
}

func (db *DB) appliedMigrations() (map[int]bool, error) {
	rows, err := db.conn.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list applied migrations: %w", err)
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

func (db *DB) SaveDeviceIdentity(ctx context.Context, id store.StoredDeviceIdentity) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO device_identities (peer_user, peer_device, payload) VALUES (?, ?, ?)
		ON CONFLICT (peer_user, peer_device) DO UPDATE SET payload = excluded.payload
	`, id.PeerUser, id.PeerDevice, id.Payload)
	return err
}

func (db *DB) LoadDeviceIdentity(ctx context.Context, peerUser, peerDevice string) (store.StoredDeviceIdentity, bool, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT payload FROM device_identities WHERE peer_user = ? AND peer_device = ?`, peerUser, peerDevice)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return store.StoredDeviceIdentity{}, false, nil
		}
		return store.StoredDeviceIdentity{}, false, err
	}
	return store.StoredDeviceIdentity{PeerUser: peerUser, PeerDevice: peerDevice, Payload: payload}, true, nil
}

func (db *DB) DeleteDeviceIdentity(ctx context.Context, peerUser, peerDevice string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM device_identities WHERE peer_user = ? AND peer_device = ?`, peerUser, peerDevice)
	return err
}

func (db *DB) ListDeviceIdentities(ctx context.Context, peerUser string) ([]store.StoredDeviceIdentity, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT peer_device, payload FROM device_identities WHERE peer_user = ?`, peerUser)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.StoredDeviceIdentity
	for rows.Next() {
		var device string
		var payload []byte
		if err := rows.Scan(&device, &payload); err != nil {
			return nil, err
		}
		out = append(out, store.StoredDeviceIdentity{PeerUser: peerUser, PeerDevice: device, Payload: payload})
	}
	return out, rows.Err()
}

func (db *DB) SaveJob(ctx context.Context, job store.StoredJob) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO jobs (job_id, task_kind_tag, payload, scheduled_at, attempt_count, delayed_until, is_background)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			task_kind_tag = excluded.task_kind_tag,
			payload = excluded.payload,
			scheduled_at = excluded.scheduled_at,
			attempt_count = excluded.attempt_count,
			delayed_until = excluded.delayed_until,
			is_background = excluded.is_background
	`, job.JobID, job.TaskKindTag, job.Payload, job.ScheduledAt, job.AttemptCount, job.DelayedUntil, job.IsBackground)
	return err
}

func (db *DB) LoadJobs(ctx context.Context) ([]store.StoredJob, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT job_id, task_kind_tag, payload, scheduled_at, attempt_count, delayed_until, is_background
		FROM jobs ORDER BY scheduled_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.StoredJob
	for rows.Next() {
		var j store.StoredJob
		var delayedUntil sql.NullInt64
		var isBackground int
		if err := rows.Scan(&j.JobID, &j.TaskKindTag, &j.Payload, &j.ScheduledAt, &j.AttemptCount, &delayedUntil, &isBackground); err != nil {
			return nil, err
		}
		if delayedUntil.Valid {
			v := delayedUntil.Int64
			j.DelayedUntil = &v
		}
		j.IsBackground = isBackground != 0
		out = append(out, j)
	}
	return out, rows.Err()
}

func (db *DB) DeleteJob(ctx context.Context, jobID string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	return err
}

func (db *DB) SaveChatMessage(ctx context.Context, msg store.StoredMessage) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation, sender_id, order_seq, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation = excluded.conversation,
			sender_id = excluded.sender_id,
			order_seq = excluded.order_seq,
			payload = excluded.payload
	`, msg.ID, msg.Conversation, msg.SenderID, msg.Order, msg.Payload)
	return err
}

func (db *DB) ListChatMessages(ctx context.Context, q store.MessageQuery) ([]store.StoredMessage, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, conversation, sender_id, order_seq, payload FROM chat_messages WHERE conversation = ?`)
	args := []any{q.Conversation}

	if q.SenderID != "" {
		query.WriteString(` AND sender_id = ?`)
		args = append(args, q.SenderID)
	}
	if q.MinOrder != nil {
		query.WriteString(` AND order_seq >= ?`)
		args = append(args, *q.MinOrder)
	}
	if q.MaxOrder != nil {
		query.WriteString(` AND order_seq <= ?`)
		args = append(args, *q.MaxOrder)
	}
	if q.Sort == store.SortDescending {
		query.WriteString(` ORDER BY order_seq DESC`)
	} else {
		query.WriteString(` ORDER BY order_seq ASC`)
	}
	if q.Limit > 0 {
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, q.Limit, q.Offset)
	} else if q.Offset > 0 {
		query.WriteString(` LIMIT -1 OFFSET ?`)
		args = append(args, q.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.StoredMessage
	for rows.Next() {
		var m store.StoredMessage
		if err := rows.Scan(&m.ID, &m.Conversation, &m.SenderID, &m.Order, &m.Payload); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) ReadLocalDeviceConfig(ctx context.Context) ([]byte, bool, error) {
	return db.readSingleton(ctx, "local_device_config")
}

func (db *DB) WriteLocalDeviceConfig(ctx context.Context, blob []byte) error {
	return db.writeSingleton(ctx, "local_device_config", blob)
}

func (db *DB) ReadLocalDeviceSalt(ctx context.Context) ([]byte, bool, error) {
	return db.readSingleton(ctx, "local_device_salt")
}

func (db *DB) WriteLocalDeviceSalt(ctx context.Context, salt []byte) error {
	return db.writeSingleton(ctx, "local_device_salt", salt)
}

func (db *DB) readSingleton(ctx context.Context, table string) ([]byte, bool, error) {
	row := db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = 1`, table))
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (db *DB) writeSingleton(ctx context.Context, table string, payload []byte) error {
	_, err := db.conn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, payload) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload
	`, table), payload)
	return err
}

func (db *DB) SaveRecord(ctx context.Context, namespace, id string, payload []byte) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO records (namespace, id, payload) VALUES (?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET payload = excluded.payload
	`, namespace, id, payload)
	return err
}

func (db *DB) LoadRecord(ctx context.Context, namespace, id string) ([]byte, bool, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT payload FROM records WHERE namespace = ? AND id = ?`, namespace, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (db *DB) DeleteRecord(ctx context.Context, namespace, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND id = ?`, namespace, id)
	return err
}

func (db *DB) ListRecords(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, payload FROM records WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = payload
	}
	return out, rows.Err()
}
