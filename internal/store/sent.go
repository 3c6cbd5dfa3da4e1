package store

import "fmt"

// IsSent reports whether a notification for (subscriber, item) has already
// been delivered.
func (s *Store) IsSent(subscriberID, itemID string) (bool, error) {
	var count int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM sent_events WHERE subscriber_id = ? AND item_id = ?",
		subscriberID, itemID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking sent ledger: %w", err)
	}
	return count > 0, nil
}

// RecordSent appends a delivery to the ledger. The primary key on
// (subscriber_id, item_id) enforces the at-most-one invariant; a repeated
// record is ignored rather than treated as an error.
func (s *Store) RecordSent(ev SentEvent) error {
	_, err := s.conn.Exec(
		`INSERT OR IGNORE INTO sent_events (subscriber_id, item_id, sent_at, message_id)
		 VALUES (?, ?, ?, ?)`,
		ev.SubscriberID, ev.ItemID, ev.SentAt, ev.MessageID,
	)
	if err != nil {
		return fmt.Errorf("recording sent event: %w", err)
	}
	return nil
}

// CountSentEvents returns the total number of ledger entries.
func (s *Store) CountSentEvents() (int, error) {
	var count int
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM sent_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting sent events: %w", err)
	}
	return count, nil
}
