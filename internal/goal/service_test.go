package goal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/storage"
	"github.com/relayd/relayd/internal/task/models"
)

type goalFixture struct {
	service *Service
	store   *storage.Store
	bus     *bus.MemoryEventBus
}

func setupService(t *testing.T) *goalFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.New(db, db)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return &goalFixture{service: NewService(store, eventBus, log), store: store, bus: eventBus}
}

func collectEvents(t *testing.T, eventBus *bus.MemoryEventBus, subject string) func() []*bus.Event {
	t.Helper()
	var mu sync.Mutex
	var got []*bus.Event
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return func() []*bus.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*bus.Event, len(got))
		copy(out, got)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func mkGoal(title string, priority int) *models.Goal {
	return &models.Goal{RoomID: "room-1", Title: title, Priority: priority}
}

func TestGoalCreateDefaultsAndEvent(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	created := collectEvents(t, f.bus, events.GoalCreated)

	g := mkGoal("ship onboarding flow", 5)
	require.NoError(t, f.service.Create(ctx, g))

	assert.NotEmpty(t, g.ID)
	assert.Equal(t, models.GoalStatusPending, g.Status)
	waitFor(t, func() bool { return len(created()) == 1 }, "goal.created not published")
	assert.Equal(t, "room:room-1", created()[0].Scope)

	require.Error(t, f.service.Create(ctx, mkGoal("", 0)), "title is required")
}

func TestGoalLifecycle(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	completed := collectEvents(t, f.bus, events.GoalCompleted)

	g := mkGoal("migrate billing", 3)
	require.NoError(t, f.service.Create(ctx, g))

	started, err := f.service.Start(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusActive, started.Status)

	blocked, err := f.service.Block(ctx, g.ID, "waiting on vendor API keys")
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusBlocked, blocked.Status)
	assert.Equal(t, "waiting on vendor API keys", blocked.BlockReason)

	unblocked, err := f.service.Unblock(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusActive, unblocked.Status)
	assert.Empty(t, unblocked.BlockReason)

	done, err := f.service.Complete(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.CompletedAt)

	waitFor(t, func() bool { return len(completed()) == 1 }, "goal.completed not published")

	// Reopening clears the completion timestamp.
	reopened, err := f.service.UpdateStatus(ctx, g.ID, models.GoalStatusActive)
	require.NoError(t, err)
	assert.Nil(t, reopened.CompletedAt)
}

func TestGoalProgressBoundsAndEvent(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	progressed := collectEvents(t, f.bus, events.GoalProgressUpdated)

	g := mkGoal("raise coverage", 1)
	require.NoError(t, f.service.Create(ctx, g))

	updated, err := f.service.UpdateProgress(ctx, g.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, updated.Progress)
	// Progress alone never completes a goal.
	full, err := f.service.UpdateProgress(ctx, g.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusPending, full.Status)

	_, err = f.service.UpdateProgress(ctx, g.ID, 101)
	assert.ErrorIs(t, err, ErrInvalidProgress)
	_, err = f.service.UpdateProgress(ctx, g.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidProgress)

	waitFor(t, func() bool { return len(progressed()) == 2 }, "goal.progressUpdated not published")
}

func TestGoalTaskLinking(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	g := mkGoal("stabilize CI", 2)
	require.NoError(t, f.service.Create(ctx, g))

	linked, err := f.service.LinkTask(ctx, g.ID, "task-1")
	require.NoError(t, err)
	linked, err = f.service.LinkTask(ctx, g.ID, "task-2")
	require.NoError(t, err)
	// Linking twice is a no-op.
	linked, err = f.service.LinkTask(ctx, g.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, linked.TaskIDs)

	unlinked, err := f.service.UnlinkTask(ctx, g.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-2"}, unlinked.TaskIDs)
}

func TestGoalGetNextPrefersActiveThenPending(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	low := mkGoal("low pending", 1)
	high := mkGoal("high pending", 9)
	mid := mkGoal("mid active", 5)
	require.NoError(t, f.service.Create(ctx, low))
	require.NoError(t, f.service.Create(ctx, high))
	require.NoError(t, f.service.Create(ctx, mid))
	_, err := f.service.Start(ctx, mid.ID)
	require.NoError(t, err)

	// An active goal wins even when a pending one has higher priority.
	next, err := f.service.GetNext(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, mid.ID, next.ID)

	_, err = f.service.Complete(ctx, mid.ID)
	require.NoError(t, err)

	next, err = f.service.GetNext(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, high.ID, next.ID)

	empty, err := f.service.GetNext(ctx, "room-without-goals")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestGoalDelete(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	g := mkGoal("obsolete", 0)
	require.NoError(t, f.service.Create(ctx, g))
	require.NoError(t, f.service.Delete(ctx, g.ID))

	_, err := f.service.Get(ctx, g.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, f.service.Delete(ctx, g.ID), storage.ErrNotFound)
}

func TestGoalUpdateStatusRejectsUnknown(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	g := mkGoal("typo target", 0)
	require.NoError(t, f.service.Create(ctx, g))

	_, err := f.service.UpdateStatus(ctx, g.ID, "paused")
	assert.Error(t, err)
}
