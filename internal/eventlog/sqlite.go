package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStore is the default embedded backend (spec.md §4.15): pure-Go
// modernc.org/sqlite, no cgo, a single file under the gateway's app
// directory.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the embedded store at path and
// brings it to the current schema with golang-migrate.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_key, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionKey, eventType, []byte(payload), now)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Query(ctx context.Context, keys []string, afterSeq int64) ([]Event, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		placeholders[i] = "?"
		args = append(args, k)
	}
	args = append(args, afterSeq)

	query := fmt.Sprintf(
		`SELECT seq, session_key, event_type, payload, created_at FROM events
		 WHERE session_key IN (%s) AND seq > ? ORDER BY seq ASC`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var createdAtMs int64
		if err := rows.Scan(&e.Seq, &e.SessionKey, &e.EventType, &payload, &createdAtMs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		e.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SaveSession(ctx context.Context, row SessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, session_id, channel, chat_id, chat_type, sender_name, provider_resume_id, message_count, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			session_id = excluded.session_id,
			channel = excluded.channel,
			chat_id = excluded.chat_id,
			chat_type = excluded.chat_type,
			sender_name = excluded.sender_name,
			provider_resume_id = excluded.provider_resume_id,
			message_count = excluded.message_count,
			last_message_at = excluded.last_message_at`,
		row.SessionKey, row.SessionID, row.Channel, row.ChatID, row.ChatType,
		row.SenderName, row.ProviderResumeID, row.MessageCount, row.LastMessageAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, session_id, channel, chat_id, chat_type, sender_name, provider_resume_id, message_count, last_message_at
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var senderName, resumeID sql.NullString
		var lastMsgMs int64
		if err := rows.Scan(&r.SessionKey, &r.SessionID, &r.Channel, &r.ChatID, &r.ChatType, &senderName, &resumeID, &r.MessageCount, &lastMsgMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.SenderName = senderName.String
		r.ProviderResumeID = resumeID.String
		r.LastMessageAt = time.UnixMilli(lastMsgMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
