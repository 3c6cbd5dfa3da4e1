package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetBaseline returns the persisted item set for a source. The bool reports
// whether a baseline has ever been recorded, so an empty baseline from a
// prior run is distinguishable from a cold start.
func (s *Store) GetBaseline(sourceID string) ([]Item, bool, error) {
	var updatedAt string
	err := s.conn.QueryRow(
		"SELECT updated_at FROM baselines WHERE source_id = ?", sourceID,
	).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading baseline marker: %w", err)
	}

	rows, err := s.conn.Query(
		`SELECT item_id, source_id, title, meeting_date, summary, attachments, first_seen, last_seen
		 FROM items WHERE source_id = ? ORDER BY last_seen DESC, first_seen DESC`, sourceID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("querying baseline items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, false, err
		}
		items = append(items, item)
	}
	return items, true, rows.Err()
}

// ReplaceBaseline atomically replaces a source's baseline with the given
// items and stamps the baseline marker.
func (s *Store) ReplaceBaseline(sourceID string, items []Item) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin baseline replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM items WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("clearing baseline: %w", err)
	}

	for _, item := range items {
		attachments, err := json.Marshal(item.Attachments)
		if err != nil {
			return fmt.Errorf("encoding attachments: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO items (item_id, source_id, title, meeting_date, summary, attachments, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.SourceID, item.Title, item.MeetingDate, item.Summary,
			string(attachments), item.FirstSeen, item.LastSeen,
		)
		if err != nil {
			return fmt.Errorf("inserting item %s: %w", item.ID, err)
		}
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.Exec(
		`INSERT INTO baselines (source_id, updated_at) VALUES (?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET updated_at = excluded.updated_at`,
		sourceID, now,
	)
	if err != nil {
		return fmt.Errorf("stamping baseline: %w", err)
	}

	return tx.Commit()
}

// CountBaselineItems returns the total number of baseline items across sources.
func (s *Store) CountBaselineItems() (int, error) {
	var count int
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	return count, nil
}

func scanItem(rows *sql.Rows) (Item, error) {
	var item Item
	var meetingDate, summary, attachments sql.NullString
	err := rows.Scan(&item.ID, &item.SourceID, &item.Title, &meetingDate,
		&summary, &attachments, &item.FirstSeen, &item.LastSeen)
	if err != nil {
		return item, fmt.Errorf("scanning item: %w", err)
	}
	item.MeetingDate = meetingDate.String
	item.Summary = summary.String
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &item.Attachments); err != nil {
			return item, fmt.Errorf("decoding attachments for %s: %w", item.ID, err)
		}
	}
	return item, nil
}
