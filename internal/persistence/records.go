package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskexec/internal/task"
)

// ErrNotFound is returned when no record exists for a task id.
var ErrNotFound = errors.New("persistence: record not found")

// Record is the archived form of a finished task.
type Record struct {
	ID          string
	Name        string
	Description string
	State       string
	Tags        []string
	Result      string
	Error       string
	SubmittedBy string
	Queued      time.Time
	Submitted   time.Time
	Started     time.Time
	Ended       time.Time
	Archived    time.Time
}

// Duration returns how long the job ran, or zero if it never started.
func (r Record) Duration() time.Duration {
	if r.Started.IsZero() || r.Ended.IsZero() {
		return 0
	}
	return r.Ended.Sub(r.Started)
}

// RecordFromTask snapshots t for archiving.
func RecordFromTask(t *task.Task) Record {
	st := t.Status()
	rec := Record{
		ID:          st.ID,
		Name:        st.Name,
		Description: st.Description,
		State:       st.State.String(),
		SubmittedBy: st.SubmittedByID,
		Queued:      st.Queued,
		Submitted:   st.Submitted,
		Started:     st.Started,
		Ended:       st.Ended,
	}
	for _, tag := range st.Tags {
		rec.Tags = append(rec.Tags, fmt.Sprint(tag))
	}
	if st.Err != nil {
		rec.Error = st.Err.Error()
	} else if st.Value != nil {
		rec.Result = fmt.Sprint(st.Value)
	}
	return rec
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SaveRecord saves or replaces a record and its tags.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if rec.Archived.IsZero() {
		rec.Archived = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_records (id, name, description, state, result, error, submitted_by,
			queued_at, submitted_at, started_at, ended_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			state = excluded.state,
			result = excluded.result,
			error = excluded.error,
			submitted_by = excluded.submitted_by,
			queued_at = excluded.queued_at,
			submitted_at = excluded.submitted_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			archived_at = excluded.archived_at
	`, rec.ID, rec.Name, rec.Description, rec.State, rec.Result, rec.Error, rec.SubmittedBy,
		toNanos(rec.Queued), toNanos(rec.Submitted), toNanos(rec.Started), toNanos(rec.Ended), toNanos(rec.Archived))
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_record_tags WHERE task_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to delete old tags: %w", err)
	}
	for i, tag := range rec.Tags {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_record_tags (task_id, tag, position)
			VALUES (?, ?, ?)
		`, rec.ID, tag, i)
		if err != nil {
			return fmt.Errorf("failed to insert tag %q for %s: %w", tag, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectRecord = `
	SELECT id, name, description, state, result, error, submitted_by,
		queued_at, submitted_at, started_at, ended_at, archived_at
	FROM task_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var queued, submitted, started, ended, archived int64
	err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.State, &rec.Result, &rec.Error, &rec.SubmittedBy,
		&queued, &submitted, &started, &ended, &archived)
	if err != nil {
		return Record{}, err
	}
	rec.Queued = fromNanos(queued)
	rec.Submitted = fromNanos(submitted)
	rec.Started = fromNanos(started)
	rec.Ended = fromNanos(ended)
	rec.Archived = fromNanos(archived)
	return rec, nil
}

// GetRecord retrieves a record by task id, including its tags.
func (s *SQLiteStore) GetRecord(ctx context.Context, taskID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to query record: %w", err)
	}

	records := []Record{rec}
	if err := s.loadTags(ctx, records); err != nil {
		return Record{}, err
	}
	return records[0], nil
}

// ListByTag returns the records carrying tag, oldest submission first.
func (s *SQLiteStore) ListByTag(ctx context.Context, tag string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.query(ctx, selectRecord+`
		WHERE id IN (SELECT task_id FROM task_record_tags WHERE tag = ?)
		ORDER BY submitted_at ASC, id ASC
	`, tag)
}

// Recent returns up to limit records, most recently ended first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, selectRecord+`
		ORDER BY ended_at DESC, id ASC
		LIMIT ?
	`, limit)
}

// Prune deletes records that ended before olderThan, together with their
// output, and returns how many records were removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := olderThan.UnixNano()
	_, err = tx.ExecContext(ctx, `
		DELETE FROM task_output
		WHERE task_id IN (SELECT id FROM task_records WHERE ended_at > 0 AND ended_at < ?)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune output: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM task_records WHERE ended_at > 0 AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	rows.Close()

	// Tags load after the cursor closes; the memory store has one connection.
	if err := s.loadTags(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLiteStore) loadTags(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	index := make(map[string]int, len(records))
	ids := make([]any, 0, len(records))
	for i, rec := range records {
		index[rec.ID] = i
		ids = append(ids, rec.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, tag FROM task_record_tags
		WHERE task_id IN (`+placeholders+`)
		ORDER BY task_id, position
	`, ids...)
	if err != nil {
		return fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return fmt.Errorf("failed to scan tag: %w", err)
		}
		i := index[id]
		records[i].Tags = append(records[i].Tags, tag)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tags: %w", err)
	}
	return nil
}
