package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskexec/internal/events"
	"github.com/aristath/taskexec/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func sampleRecord(id string, ended time.Time, tags ...string) Record {
	return Record{
		ID:        id,
		Name:      "job " + id,
		State:     "Succeeded",
		Tags:      tags,
		Result:    "ok",
		Submitted: ended.Add(-2 * time.Second),
		Started:   ended.Add(-time.Second),
		Ended:     ended,
	}
}

func TestSaveAndGetRecord(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	rec := sampleRecord("task-1", now, "nightly", "db")
	rec.Description = "Vacuum the database"
	rec.SubmittedBy = "parent-1"

	require.NoError(t, store.SaveRecord(ctx, rec))

	got, err := store.GetRecord(ctx, "task-1")
	require.NoError(t, err)

	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Description, got.Description)
	assert.Equal(t, "parent-1", got.SubmittedBy)
	assert.Equal(t, []string{"nightly", "db"}, got.Tags, "tags keep their order")
	assert.True(t, got.Ended.Equal(time.Unix(0, now.UnixNano())), "ended = %v, want %v", got.Ended, now)
	assert.True(t, got.Queued.IsZero(), "unset timestamps stay zero")
	assert.False(t, got.Archived.IsZero(), "archived time is set on save")
	assert.Equal(t, time.Second, got.Duration())
}

func TestSaveRecordIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := sampleRecord("task-1", time.Now(), "a", "b")
	require.NoError(t, store.SaveRecord(ctx, rec))
	rec.State = "Failed"
	rec.Error = "boom"
	rec.Tags = []string{"c"}
	require.NoError(t, store.SaveRecord(ctx, rec))

	got, err := store.GetRecord(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Failed", got.State)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, []string{"c"}, got.Tags, "tags are replaced")
}

func TestGetRecordNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByTagAndRecent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now()

	records := []Record{
		sampleRecord("a", base.Add(1*time.Second), "demo"),
		sampleRecord("b", base.Add(2*time.Second), "other"),
		sampleRecord("c", base.Add(3*time.Second), "demo", "other"),
	}
	for _, rec := range records {
		require.NoError(t, store.SaveRecord(ctx, rec), "SaveRecord(%s)", rec.ID)
	}

	demo, err := store.ListByTag(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids(demo))
	assert.Len(t, demo[1].Tags, 2, "tags load with listed records")

	none, err := store.ListByTag(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(recent))
}

func TestPrune(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	old := sampleRecord("old", now.Add(-48*time.Hour), "x")
	fresh := sampleRecord("fresh", now, "x")
	for _, rec := range []Record{old, fresh} {
		require.NoError(t, store.SaveRecord(ctx, rec))
	}
	require.NoError(t, store.SaveOutput(ctx, "old", "line"))

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.GetRecord(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRecord(ctx, "fresh")
	assert.NoError(t, err)

	lines, err := store.GetOutput(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, lines, "output of pruned records is gone")

	tagged, err := store.ListByTag(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(tagged), "tags cascade with the record")
}

func TestOutputOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, line := range []string{"first", "second", "third"} {
		require.NoError(t, store.SaveOutput(ctx, "task-1", line))
	}

	lines, err := store.GetOutput(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "first", lines[0].Line)
	assert.Equal(t, "third", lines[2].Line)
}

func TestRecordFromTask(t *testing.T) {
	tk := task.New(nil, task.WithDisplayName("report"), task.WithTags("nightly", 7))
	tk.Cancel(task.CancelInterruptTask)

	rec := RecordFromTask(tk)
	assert.Equal(t, tk.ID(), rec.ID)
	assert.Equal(t, "report", rec.Name)
	assert.Equal(t, task.StateCancelled.String(), rec.State)
	assert.Equal(t, []string{"nightly", "7"}, rec.Tags, "tags are stringified")
	assert.Equal(t, task.ErrCancelled.Error(), rec.Error)
}

func TestRecorderArchivesAndFollowsOutput(t *testing.T) {
	store := testStore(t)
	rec := NewRecorder(store, nil, func(t *task.Task) bool { return t.HasTag("ephemeral") })

	kept := task.New(nil, task.WithTag("kept"))
	kept.Cancel(task.CancelInterruptTask)
	skipped := task.New(nil, task.WithTag("ephemeral"))
	skipped.Cancel(task.CancelInterruptTask)

	rec.OnTaskDone(kept)
	rec.OnTaskDone(skipped)

	ctx := context.Background()
	_, err := store.GetRecord(ctx, kept.ID())
	assert.NoError(t, err, "kept task is archived")
	_, err = store.GetRecord(ctx, skipped.ID())
	assert.ErrorIs(t, err, ErrNotFound, "skipped task is not archived")

	bus := events.NewEventBus()
	followCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		rec.Follow(followCtx, bus)
		close(done)
	}()

	// Publish until the subscription is live and the line lands.
	require.Eventually(t, func() bool {
		bus.Publish(events.TopicTask, events.TaskOutputEvent{ID: kept.ID(), Line: "hello", Timestamp: time.Now()})
		lines, _ := store.GetOutput(ctx, kept.ID())
		return len(lines) > 0
	}, 2*time.Second, 5*time.Millisecond, "timeout waiting for archived output")

	lines, err := store.GetOutput(ctx, kept.ID())
	require.NoError(t, err)
	assert.Equal(t, "hello", lines[0].Line)

	cancel()
	<-done
	bus.Close()
}

func TestNewSQLiteStoreCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "archive.db")
	store, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.SaveRecord(context.Background(), sampleRecord("x", time.Now())))
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
