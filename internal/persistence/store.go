package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store archives the records of finished tasks so they outlive the
// in-memory indexes of the execution manager.
type Store interface {
	// Task records
	SaveRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, taskID string) (Record, error)
	ListByTag(ctx context.Context, tag string) ([]Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Job output
	SaveOutput(ctx context.Context, taskID, line string) error
	GetOutput(ctx context.Context, taskID string) ([]OutputLine, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the archive at dbPath, creating parent directories
// as needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(ctx, db)
}

// NewMemoryStore creates an in-memory archive for testing. Each call gets a
// private database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// A private in-memory database exists per connection
	db.SetMaxOpenConns(1)
	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
