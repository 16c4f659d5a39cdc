package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Timestamps
// are Unix nanoseconds; zero means unset.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_records (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		submitted_by TEXT NOT NULL DEFAULT '',
		queued_at INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		ended_at INTEGER NOT NULL DEFAULT 0,
		archived_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_records_ended ON task_records(ended_at);

	CREATE TABLE IF NOT EXISTS task_record_tags (
		task_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (task_id, tag),
		FOREIGN KEY (task_id) REFERENCES task_records(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_record_tags_tag ON task_record_tags(tag);

	CREATE TABLE IF NOT EXISTS task_output (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		line TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_output_task ON task_output(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
