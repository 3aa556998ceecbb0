// Package store persists all zapflow entities in SQLite: conversations and
// their history, leads, business records, follow-up tasks, the takeover
// audit log and media assets. One file, WAL mode, migrated on open.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// Store wraps the SQLite connection and exposes one repository per entity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	Conversations *ConversationStore
	Leads         *LeadStore
	Records       *RecordStore
	FollowUps     *FollowUpStore
	Takeovers     *TakeoverLogStore
	Media         *MediaAssetStore
}

// Open opens or creates the database, applies pragmas and runs migrations.
func Open(cfg engine.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = "./data/zapflow.db"
	}
	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "WAL"
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = 5000
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON", path, journalMode, busyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.Conversations = &ConversationStore{db: db}
	s.Leads = &LeadStore{db: db}
	s.Records = &RecordStore{db: db}
	s.FollowUps = &FollowUpStore{db: db}
	s.Takeovers = &TakeoverLogStore{db: db}
	s.Media = &MediaAssetStore{db: db}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw connection for callers that need it (tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrations are applied in order; the schema_version table tracks progress.
var migrations = []string{
	// 1: initial schema
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'ai_only',
		escalation INTEGER NOT NULL DEFAULT 0,
		human_takeover INTEGER NOT NULL DEFAULT 0,
		takeover_at TEXT,
		agent_id TEXT NOT NULL DEFAULT '',
		lead_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		tool_meta TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		qualification_score INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		last_intent TEXT NOT NULL DEFAULT '',
		intent_confidence REAL NOT NULL DEFAULT 0,
		business_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(tenant_id, phone)
	);

	CREATE TABLE IF NOT EXISTS business_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		lead_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		follow_up_required INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_tenant ON business_records(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS follow_ups (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'reminder',
		message TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		scheduled_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_follow_ups_due ON follow_ups(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS takeover_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_mode TEXT NOT NULL DEFAULT '',
		to_mode TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_takeover_conversation ON takeover_log(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_takeover_timestamp ON takeover_log(timestamp);

	CREATE TABLE IF NOT EXISTS media_assets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		purpose TEXT NOT NULL,
		url TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		caption TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(tenant_id, purpose)
	);`,
}

// migrate applies pending migrations inside transactions.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			v+1, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
		s.logger.Info("migration applied", "version", v+1)
	}
	return nil
}

// formatTime/parseTime keep all timestamps as RFC3339Nano UTC strings.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
