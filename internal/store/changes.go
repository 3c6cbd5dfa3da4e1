package store

import (
	"database/sql"
	"fmt"
)

// InsertChange records a detected change. It reports false when an identical
// event was already recorded by an earlier run, which makes repeated diffs
// over the same snapshots idempotent.
func (s *Store) InsertChange(c Change) (bool, error) {
	res, err := s.conn.Exec(
		`INSERT OR IGNORE INTO changes (event_id, item_id, source_id, change_type, title, summary, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.EventID, c.ItemID, c.SourceID, c.Type, c.Title, c.Summary, c.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RecentChanges returns the most recently detected changes, newest first.
func (s *Store) RecentChanges(limit int) ([]Change, error) {
	rows, err := s.conn.Query(
		`SELECT event_id, item_id, source_id, change_type, title, summary, detected_at
		 FROM changes ORDER BY detected_at DESC, event_id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func scanChange(rows *sql.Rows) (Change, error) {
	var c Change
	var summary sql.NullString
	err := rows.Scan(&c.EventID, &c.ItemID, &c.SourceID, &c.Type, &c.Title, &summary, &c.DetectedAt)
	if err != nil {
		return c, fmt.Errorf("scanning change: %w", err)
	}
	c.Summary = summary.String
	return c, nil
}
