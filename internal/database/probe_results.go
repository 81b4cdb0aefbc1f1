package database

import (
	"fmt"
	"time"
)

// ProbeResult is one health check of a connection key
type ProbeResult struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Reset     bool      `json:"reset"`
	CheckedAt time.Time `json:"checked_at"`
}

// RecordProbeResult appends a probe result
func (db *DB) RecordProbeResult(r *ProbeResult) error {
	res, err := db.exec(`
		INSERT INTO probe_results (key, ok, error, latency_ms, reset, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Key, r.OK, r.Error, r.LatencyMS, r.Reset, r.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to record probe result for %s: %w", r.Key, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get probe result ID: %w", err)
	}
	r.ID = id
	return nil
}

// LatestProbeResults returns the most recent result for every key, ordered by key
func (db *DB) LatestProbeResults() ([]*ProbeResult, error) {
	rows, err := db.query(`
		SELECT p.id, p.key, p.ok, p.error, p.latency_ms, p.reset, p.checked_at
		FROM probe_results p
		WHERE p.id = (SELECT MAX(id) FROM probe_results WHERE key = p.key)
		ORDER BY p.key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe results: %w", err)
	}
	defer rows.Close()

	var results []*ProbeResult
	for rows.Next() {
		r := &ProbeResult{}
		if err := rows.Scan(&r.ID, &r.Key, &r.OK, &r.Error, &r.LatencyMS, &r.Reset, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan probe result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneProbeResults deletes results checked before cutoff and returns how many were removed
func (db *DB) PruneProbeResults(cutoff time.Time) (int64, error) {
	res, err := db.exec("DELETE FROM probe_results WHERE checked_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune probe results: %w", err)
	}
	return res.RowsAffected()
}
