package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var errNotOpen = errors.New("registry is not open")

// Optimize refreshes SQLite's planner statistics
func (db *DB) Optimize() error {
	return db.maintain("optimize", "PRAGMA optimize")
}

// Vacuum rebuilds the registry file to reclaim pages freed by pruned probe history
func (db *DB) Vacuum() error {
	return db.maintain("vacuum", "VACUUM")
}

// maintain runs a maintenance statement with writers held off
func (db *DB) maintain(name, stmt string) error {
	if db == nil || db.conn == nil {
		return fmt.Errorf("registry %s: %w", name, errNotOpen)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	started := time.Now()
	if _, err := db.conn.Exec(stmt); err != nil {
		return fmt.Errorf("registry %s: %w", name, err)
	}

	log.Debug().Str("task", name).Dur("took", time.Since(started)).Msg("Registry maintenance step finished")
	return nil
}
