// Package database is the casedesk registry: a local SQLite file holding settings,
// sealed connection strings and probe history.
package database

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Sealer encrypts connection strings before they are written and decrypts them on read
type Sealer interface {
	Seal(plaintext string) (string, error)
	Reveal(value string) (string, error)
}

// DB wraps the SQLite registry connection
type DB struct {
	conn   *sql.DB
	path   string
	mu     sync.RWMutex
	sealer Sealer
}

// New opens the registry at path
func New(path string) (*DB, error) {
	// WAL lets reads continue while a write is in flight
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)

	log.Debug().Str("path", path).Msg("Database connection established")

	return &DB{
		conn: conn,
		path: path,
	}, nil
}

// SetSealer installs the sealer used for connection strings. Without one they are stored as given.
func (db *DB) SetSealer(s Sealer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.sealer = s
}

func (db *DB) currentSealer() Sealer {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sealer
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close closes the underlying pool
func (db *DB) Close() error {
	return db.conn.Close()
}

// exec, query and queryRow run registry statements outside a transaction

func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

func (db *DB) query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

func (db *DB) queryRow(query string, args ...any) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// Transaction wraps a function in a database transaction
func (db *DB) Transaction(fn func(*sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
