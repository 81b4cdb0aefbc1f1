package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/saltyorg/casedesk/internal/logging"
)

// GetSetting returns the stored value for key, or "" when it is unset
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.queryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// SetSettingJSON stores strings as given and anything else JSON encoded, so
// numbers and booleans land in the form Loader parses.
func (db *DB) SetSettingJSON(key string, v any) error {
	if s, ok := v.(string); ok {
		return db.SetSetting(key, s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return db.SetSetting(key, string(data))
}

// GetAllSettings retrieves all settings
func (db *DB) GetAllSettings() (map[string]string, error) {
	rows, err := db.query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// DeleteSetting removes a setting
func (db *DB) DeleteSetting(key string) error {
	if _, err := db.exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// DefaultSettings are written on first start and never overwrite an existing value
var DefaultSettings = map[string]any{
	"log.level":                  "info",
	"log.max_size_mb":            logging.DefaultMaxSizeMB,
	"log.max_backups":            logging.DefaultMaxBackups,
	"log.max_age_days":           logging.DefaultMaxAgeDays,
	"log.compress":               logging.DefaultCompress,
	"probe.timeout_seconds":      10,
	"probe.reset_broken":         true,
	"probe.retention_days":       7, // 0 keeps probe history forever
	"maintenance.vacuum_enabled": false,
}

// InitializeDefaults sets default values for settings that don't exist
func (db *DB) InitializeDefaults() error {
	for key, value := range DefaultSettings {
		existing, err := db.GetSetting(key)
		if err != nil {
			return err
		}
		if existing != "" {
			continue
		}
		if err := db.SetSettingJSON(key, value); err != nil {
			return err
		}
	}
	return nil
}
