package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RecordSourceCheck updates a source's health row after a fetch attempt and
// returns the consecutive failure count. Three consecutive failures flip the
// status to "down"; operator escalation on that condition is the scheduler's
// concern.
func (s *Store) RecordSourceCheck(sourceID string, success bool, errMsg string) (int, error) {
	now := time.Now().UTC().Format(timeLayout)

	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO source_health (source_id) VALUES (?)", sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("ensuring health row: %w", err)
	}

	if success {
		_, err = s.conn.Exec(
			`UPDATE source_health
			 SET last_check = ?, last_success = ?, consecutive_failures = 0,
			     last_error = NULL, status = ?
			 WHERE source_id = ?`,
			now, now, HealthHealthy, sourceID,
		)
		if err != nil {
			return 0, fmt.Errorf("recording source success: %w", err)
		}
		return 0, nil
	}

	_, err = s.conn.Exec(
		`UPDATE source_health
		 SET last_check = ?, consecutive_failures = consecutive_failures + 1, last_error = ?,
		     status = CASE WHEN consecutive_failures + 1 >= ? THEN ? ELSE ? END
		 WHERE source_id = ?`,
		now, errMsg, downThreshold, HealthDown, HealthDegraded, sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("recording source failure: %w", err)
	}

	var failures int
	err = s.conn.QueryRow(
		"SELECT consecutive_failures FROM source_health WHERE source_id = ?", sourceID,
	).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("reading failure count: %w", err)
	}
	return failures, nil
}

// GetSourceHealth returns health rows for all sources that have been checked.
func (s *Store) GetSourceHealth() ([]SourceHealth, error) {
	rows, err := s.conn.Query(
		`SELECT source_id, last_check, last_success, consecutive_failures, last_error, status
		 FROM source_health ORDER BY source_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying source health: %w", err)
	}
	defer rows.Close()

	var health []SourceHealth
	for rows.Next() {
		var h SourceHealth
		var lastCheck, lastSuccess, lastError sql.NullString
		err := rows.Scan(&h.SourceID, &lastCheck, &lastSuccess, &h.ConsecutiveFailures, &lastError, &h.Status)
		if err != nil {
			return nil, fmt.Errorf("scanning source health: %w", err)
		}
		if lastCheck.Valid {
			h.LastCheck = &lastCheck.String
		}
		if lastSuccess.Valid {
			h.LastSuccess = &lastSuccess.String
		}
		if lastError.Valid {
			h.LastError = &lastError.String
		}
		health = append(health, h)
	}
	return health, rows.Err()
}
