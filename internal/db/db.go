package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound  = errors.New("db: not found")
	ErrConflict  = errors.New("db: conflict")
	ErrForbidden = errors.New("db: forbidden")
	ErrInvalid   = errors.New("db: invalid")
)

type DB struct {
	*sql.DB
}

func NewDB(dbPath string) (*DB, error) {
	// Create the database directory if it doesn't exist
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// SQLite serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			display_name TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			is_group INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at DATETIME NOT NULL,
			last_message_at DATETIME NOT NULL,
			last_message_preview TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			role TEXT NOT NULL,
			last_read_at DATETIME NOT NULL,
			is_pinned INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0,
			is_muted INTEGER NOT NULL DEFAULT 0,
			joined_at DATETIME NOT NULL,
			left_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_members_active
			ON conversation_members (conversation_id, user_id) WHERE left_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			message_type TEXT NOT NULL,
			file_url TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			file_mime TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			is_edited INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client
			ON messages (sender_id, client_id) WHERE client_id != ''`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			emoji TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (message_id, user_id, emoji)
		)`,
		`CREATE TABLE IF NOT EXISTS typing_state (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			display_name TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// timeFormat is fixed-width so that stored timestamps compare correctly
// as strings inside SQL.
const timeFormat = "2006-01-02 15:04:05.000000000-07:00"

func ts(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func newID() string {
	return uuid.NewString()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

type scanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx. The pool holds a
// single connection, so code running inside a transaction must query
// through the transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
