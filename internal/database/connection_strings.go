package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// PutConnectionString stores a connection string under key, sealing it first when a
// sealer is installed. Storing the same key again replaces the value.
func (db *DB) PutConnectionString(key, connectionString string) error {
	value := connectionString
	if s := db.currentSealer(); s != nil {
		sealed, err := s.Seal(connectionString)
		if err != nil {
			return fmt.Errorf("failed to seal connection string %s: %w", key, err)
		}
		value = sealed
	}

	now := time.Now()
	_, err := db.exec(`
		INSERT INTO connection_strings (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now, now)
	if err != nil {
		return fmt.Errorf("failed to store connection string %s: %w", key, err)
	}

	log.Debug().Str("key", key).Bool("sealed", value != connectionString).Msg("Stored connection string")
	return nil
}

// ConnectionString returns the connection string for key. The bool is false when none is stored.
func (db *DB) ConnectionString(key string) (string, bool, error) {
	var value string
	err := db.queryRow("SELECT value FROM connection_strings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get connection string %s: %w", key, err)
	}

	if s := db.currentSealer(); s != nil {
		plain, err := s.Reveal(value)
		if err != nil {
			return "", false, fmt.Errorf("failed to open connection string %s: %w", key, err)
		}
		value = plain
	}
	return value, true, nil
}

// ListConnectionKeys returns every stored key in order
func (db *DB) ListConnectionKeys() ([]string, error) {
	rows, err := db.query("SELECT key FROM connection_strings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list connection keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan connection key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteConnectionString removes key. Records already created for it keep their connection.
func (db *DB) DeleteConnectionString(key string) error {
	res, err := db.exec("DELETE FROM connection_strings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete connection string %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection string %s not found", key)
	}
	return nil
}
