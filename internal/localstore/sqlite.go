package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

const (
	kvSyncCursor = "sync_cursor"
	kvDeviceID   = "device_id"
)

// SQLiteStore implements storage.LocalStore using SQLite. All mutating
// operations write through so that a process restart resumes from the last
// durably written queue and cursor state.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL DEFAULT '',
		sender        TEXT NOT NULL DEFAULT '',
		destination   TEXT NOT NULL DEFAULT '',
		kind          TEXT NOT NULL DEFAULT 'text',
		payload       BLOB,
		status        TEXT NOT NULL DEFAULT 'pending',
		created_at    TEXT NOT NULL,
		synced        INTEGER NOT NULL DEFAULT 0,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		sync_retries  INTEGER NOT NULL DEFAULT 0,
		last_sync_try TEXT,
		metadata      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_synced ON messages(synced, status);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

	CREATE TABLE IF NOT EXISTS queued_messages (
		id            TEXT PRIMARY KEY,
		destination   TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		payload       BLOB,
		kind          TEXT NOT NULL DEFAULT 'text',
		queued_at     TEXT NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		last_retry_at TEXT,
		position      INTEGER NOT NULL,
		metadata      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_queued_destination ON queued_messages(destination, position);

	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveMessage inserts or replaces a message log entry by id.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *message.Message) error {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
		(id, session_id, sender, destination, kind, payload, status, created_at,
		 synced, retry_count, sync_retries, last_sync_try, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Sender, msg.Destination, msg.Kind.String(),
		msg.Payload, msg.Status.String(), msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(msg.Synced), msg.RetryCount, msg.SyncRetries,
		nullableTime(msg.LastSyncTry), meta)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessage returns the log entry with the given id, or storage.ErrNotFound.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sender, destination, kind, payload, status,
		       created_at, synced, retry_count, sync_retries, last_sync_try, metadata
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// MessageExists reports whether a log entry with the given id exists.
func (s *SQLiteStore) MessageExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return n > 0, nil
}

// UpdateStatus sets the status of the log entry with the given id.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status message.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, status.String(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res)
}

// MarkSynced flags the log entry as mirrored to the remote store.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return requireRow(res)
}

// RecordSyncAttempt increments the entry's sync retry counter.
func (s *SQLiteStore) RecordSyncAttempt(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET sync_retries = sync_retries + 1, last_sync_try = ?
		WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record sync attempt: %w", err)
	}
	return requireRow(res)
}

// UnsyncedMessages returns log entries not yet mirrored remotely.
func (s *SQLiteStore) UnsyncedMessages(ctx context.Context) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender, destination, kind, payload, status,
		       created_at, synced, retry_count, sync_retries, last_sync_try, metadata
		FROM messages WHERE synced = 0 AND status != 'failed'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("unsynced messages: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LoadQueue returns the persisted outbound queue keyed by destination.
func (s *SQLiteStore) LoadQueue(ctx context.Context) (map[string][]*message.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, destination, session_id, payload, kind, queued_at,
		       retry_count, last_retry_at, metadata
		FROM queued_messages ORDER BY destination, position`)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	queue := make(map[string][]*message.QueuedMessage)
	for rows.Next() {
		var (
			q           message.QueuedMessage
			kind        string
			queuedAt    string
			lastRetryAt sql.NullString
			meta        sql.NullString
		)
		if err := rows.Scan(&q.ID, &q.Destination, &q.SessionID, &q.Payload,
			&kind, &queuedAt, &q.RetryCount, &lastRetryAt, &meta); err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		q.Kind = message.ParseKind(kind)
		if q.QueuedAt, err = time.Parse(time.RFC3339Nano, queuedAt); err != nil {
			return nil, fmt.Errorf("parse queued_at: %w", err)
		}
		if lastRetryAt.Valid && lastRetryAt.String != "" {
			if q.LastRetryAt, err = time.Parse(time.RFC3339Nano, lastRetryAt.String); err != nil {
				return nil, fmt.Errorf("parse last_retry_at: %w", err)
			}
		}
		if q.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		queue[q.Destination] = append(queue[q.Destination], &q)
	}
	return queue, rows.Err()
}

// SaveQueue replaces the persisted outbound queue in a single transaction.
func (s *SQLiteStore) SaveQueue(ctx context.Context, queue map[string][]*message.QueuedMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save queue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_messages`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	for dest, msgs := range queue {
		for i, q := range msgs {
			meta, err := encodeMetadata(q.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO queued_messages
				(id, destination, session_id, payload, kind, queued_at,
				 retry_count, last_retry_at, position, metadata)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, dest, q.SessionID, q.Payload, q.Kind.String(),
				q.QueuedAt.UTC().Format(time.RFC3339Nano),
				q.RetryCount, nullableTime(q.LastRetryAt), i, meta)
			if err != nil {
				return fmt.Errorf("insert queued message: %w", err)
			}
		}
	}
	return tx.Commit()
}

// SyncCursor returns the timestamp watermark of the last pulled record.
func (s *SQLiteStore) SyncCursor(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, kvSyncCursor).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sync cursor: %w", err)
	}
	cursor, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sync cursor: %w", err)
	}
	return cursor, nil
}

// SetSyncCursor advances the pull watermark.
func (s *SQLiteStore) SetSyncCursor(ctx context.Context, cursor time.Time) error {
	return s.setKV(ctx, kvSyncCursor, cursor.UTC().Format(time.RFC3339Nano))
}

// DeviceID returns this device's stable identifier.
func (s *SQLiteStore) DeviceID(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, kvDeviceID).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	return value, nil
}

// SetDeviceID stores this device's stable identifier.
func (s *SQLiteStore) SetDeviceID(ctx context.Context, id string) error {
	return s.setKV(ctx, kvDeviceID, id)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) setKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*message.Message, error) {
	var (
		msg         message.Message
		kind        string
		status      string
		createdAt   string
		synced      int
		lastSyncTry sql.NullString
		meta        sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Destination,
		&kind, &msg.Payload, &status, &createdAt, &synced,
		&msg.RetryCount, &msg.SyncRetries, &lastSyncTry, &meta)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Kind = message.ParseKind(kind)
	msg.Status = message.ParseStatus(status)
	msg.Synced = synced != 0
	if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if lastSyncTry.Valid && lastSyncTry.String != "" {
		if msg.LastSyncTry, err = time.Parse(time.RFC3339Nano, lastSyncTry.String); err != nil {
			return nil, fmt.Errorf("parse last_sync_try: %w", err)
		}
	}
	if msg.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &msg, nil
}

func encodeMetadata(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow maps an UPDATE that touched no rows to storage.ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Verify that SQLiteStore implements the LocalStore interface at compile time
var _ storage.LocalStore = (*SQLiteStore)(nil)
