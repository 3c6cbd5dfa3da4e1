package store

import (
	"database/sql"
	"fmt"
	"time"
)

// StartRun opens a run report row and returns its id.
func (s *Store) StartRun() (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.conn.Exec("INSERT INTO runs (started_at) VALUES (?)", now)
	if err != nil {
		return 0, fmt.Errorf("starting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	return id, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(id int64, r RunReport) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.conn.Exec(
		`UPDATE runs
		 SET finished_at = ?, sources_checked = ?, sources_failed = ?,
		     changes_found = ?, sent = ?, send_failed = ?, status = ?
		 WHERE id = ?`,
		now, r.SourcesChecked, r.SourcesFailed, r.ChangesFound, r.Sent, r.SendFailed, r.Status, id,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// GetLastRun returns the most recent run report, or nil when no run has
// ever completed.
func (s *Store) GetLastRun() (*RunReport, error) {
	row := s.conn.QueryRow(
		`SELECT id, started_at, finished_at, sources_checked, sources_failed,
		        changes_found, sent, send_failed, status
		 FROM runs ORDER BY id DESC LIMIT 1`,
	)

	var r RunReport
	var finished, status sql.NullString
	err := row.Scan(&r.ID, &r.StartedAt, &finished, &r.SourcesChecked, &r.SourcesFailed,
		&r.ChangesFound, &r.Sent, &r.SendFailed, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading last run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	r.Status = status.String
	return &r, nil
}
