package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// Migrations exposes the embedded Postgres migration set so the admin
// `migrate` CLI can drive up/down/force against the same schema this store
// self-migrates on Open, without a separate on-disk migrations directory.
func Migrations() (embed.FS, string) {
	return postgresMigrations, "migrations/postgres"
}

// PostgresStore is the optional managed backend (SPEC_FULL.md §4.15): an
// operator who wants the gateway backed by a shared database instead of a
// local file points database.mode at "managed" and supplies a DSN via env
// (never persisted to config.json5, mirroring the teacher's own
// PostgresDSN/AuthKey json:"-" convention).
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := migratePostgres(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func migratePostgres(db *sql.DB) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (session_key, event_type, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING seq`,
		sessionKey, eventType, []byte(payload), time.Now().UnixMilli()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) Query(ctx context.Context, keys []string, afterSeq int64) ([]Event, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_key, event_type, payload, created_at FROM events
		 WHERE session_key = ANY($1) AND seq > $2 ORDER BY seq ASC`,
		toTextArray(keys), afterSeq)
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

func (s *PostgresStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveSession(ctx context.Context, row SessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, session_id, channel, chat_id, chat_type, sender_name, provider_resume_id, message_count, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_key) DO UPDATE SET
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

func (s *PostgresStore) LoadSessions(ctx context.Context) ([]SessionRow, error) {
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

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = $1`, sessionKey)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func toTextArray(keys []string) string {
	// pgx accepts Go []string bound against text[] directly via QueryContext
	// when using database/sql with the stdlib pgx driver's array codec, but
	// to keep this file driver-agnostic at the database/sql layer we build
	// the literal array syntax instead.
	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += `"` + escapePGArrayElem(k) + `"`
	}
	return out + "}"
}

func escapePGArrayElem(s string) string {
	escaped := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, s[i])
	}
	return string(escaped)
}
