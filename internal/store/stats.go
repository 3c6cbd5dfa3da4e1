package store

import "fmt"

// GetStats returns aggregate counts for the status command and the
// read-only health server.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{ChangesByType: make(map[string]int)}

	var err error
	if stats.BaselineItems, err = s.CountBaselineItems(); err != nil {
		return nil, err
	}
	if stats.SentEvents, err = s.CountSentEvents(); err != nil {
		return nil, err
	}

	rows, err := s.conn.Query("SELECT change_type, COUNT(*) FROM changes GROUP BY change_type")
	if err != nil {
		return nil, fmt.Errorf("counting changes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var changeType string
		var count int
		if err := rows.Scan(&changeType, &count); err != nil {
			return nil, fmt.Errorf("scanning change count: %w", err)
		}
		stats.ChangesByType[changeType] = count
		stats.TotalChanges += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.conn.QueryRow(
		"SELECT COUNT(*) FROM source_health WHERE status = ?", HealthDown,
	).Scan(&stats.SourcesDown)
	if err != nil {
		return nil, fmt.Errorf("counting down sources: %w", err)
	}

	return stats, nil
}
