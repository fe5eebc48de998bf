// Package history manages SQLite persistence for message history and the
// evolution audit trail. Both tables are append-only: records are inserted
// and listed, never updated, so concurrent writers cannot race on
// read-modify-write.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one chat turn persisted for history listings.
type Message struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	Content       string    `json:"content"`
	ContentType   string    `json:"content_type"` // text, image, file, link
	Role          string    `json:"role"`         // user, bot, system
	ProcessTimeMs int       `json:"process_time_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditRecord is one state transition in the evolution audit trail.
type AuditRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	ProposalID string    `json:"proposal_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail"`
}

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database and initializes the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		channel_id      TEXT NOT NULL,
		content         TEXT NOT NULL,
		content_type    TEXT NOT NULL DEFAULT 'text',
		role            TEXT NOT NULL,
		process_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at);

	CREATE TABLE IF NOT EXISTS audit (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   TEXT NOT NULL,
		proposal_id TEXT NOT NULL,
		from_state  TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		actor       TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_proposal ON audit(proposal_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveMessage appends one message record.
func (s *Store) SaveMessage(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ContentType == "" {
		msg.ContentType = "text"
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, channel_id, content, content_type, role, process_time_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ChannelID, msg.Content, msg.ContentType, msg.Role,
			msg.ProcessTimeMs, msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// RecentMessages returns the most recent limit messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, content, content_type, role, process_time_ms, created_at
		 FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Content, &m.ContentType,
			&m.Role, &m.ProcessTimeMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendAudit appends one transition record to the audit trail.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit (timestamp, proposal_id, from_state, to_state, actor, detail)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.ProposalID,
			rec.FromState, rec.ToState, rec.Actor, rec.Detail,
		)
		return err
	})
}

// RecentAudit returns the most recent limit audit records, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, proposal_id, from_state, to_state, actor, detail
		 FROM audit ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var recs []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var ts string
		if err := rows.Scan(&ts, &r.ProposalID, &r.FromState, &r.ToState, &r.Actor, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
