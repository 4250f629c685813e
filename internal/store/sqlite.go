package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores both collections in two tables of a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and migrates the schema.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS known_devices (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS user_disconnected (
			id TEXT PRIMARY KEY
		);
	`)
	return err
}

func (s *SQLite) LoadKnownDevices() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT id, name FROM known_devices`)
	if err != nil {
		return nil, fmt.Errorf("query known devices: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan known device: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

func (s *SQLite) SaveKnownDevices(known map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM known_devices`); err != nil {
		return fmt.Errorf("clear known devices: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for id, name := range known {
		if _, err := tx.Exec(`INSERT INTO known_devices (id, name, updated_at) VALUES (?, ?, ?)`, id, name, now); err != nil {
			return fmt.Errorf("insert known device %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) LoadUserDisconnected() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM user_disconnected ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query user-disconnected: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user-disconnected: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveUserDisconnected(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM user_disconnected`); err != nil {
		return fmt.Errorf("clear user-disconnected: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO user_disconnected (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("insert user-disconnected %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
