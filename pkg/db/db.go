package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database owns the sqlite handle behind the configuration store.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
// ":memory:" opens a private in-memory database. File databases run in WAL mode
// so the CLI can read while a running engine writes.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: sqlite has a single writer, and ":memory:" is per connection.
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(0)

	for _, p := range pragmas {
		if _, err := handle.Exec(p); err != nil {
			handle.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &Database{DB: handle}, nil
}

// Queries returns the typed query set bound to this handle.
func (d *Database) Queries() *Queries {
	return NewQueries(d.DB)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
