package persistence

import (
	"context"
	"fmt"
	"time"
)

// OutputLine is one line of output produced by a job.
type OutputLine struct {
	Line      string
	Timestamp time.Time
}

// SaveOutput appends a line of job output. Output is append-only.
func (s *SQLiteStore) SaveOutput(ctx context.Context, taskID, line string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_output (task_id, line, timestamp)
		VALUES (?, ?, ?)
	`, taskID, line, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save output: %w", err)
	}
	return nil
}

// GetOutput returns the output of a task in the order it was written.
// Returns an empty slice (not nil) if there is none.
func (s *SQLiteStore) GetOutput(ctx context.Context, taskID string) ([]OutputLine, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT line, timestamp
		FROM task_output
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query output: %w", err)
	}
	defer rows.Close()

	lines := []OutputLine{}
	for rows.Next() {
		var line OutputLine
		var ts int64
		if err := rows.Scan(&line.Line, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		line.Timestamp = fromNanos(ts)
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating output: %w", err)
	}
	return lines, nil
}
