package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/agent/agenttest"
	"github.com/relayd/relayd/internal/common/config"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/session/models"
	"github.com/relayd/relayd/internal/storage"
)

type managerFixture struct {
	manager *Manager
	store   *storage.Store
	bus     *bus.MemoryEventBus
}

func setupManager(t *testing.T) *managerFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.New(db, db)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := config.RuntimeConfig{
		QueueTimeoutSeconds: 30,
		ErrorThreshold:      3,
		RapidFireThreshold:  5,
		RapidFireWindowMs:   3000,
		DraftCoalesceMs:     20,
	}
	mgr := NewManager(store, eventBus, agenttest.NewFactory(), nil, cfg, log)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	return &managerFixture{manager: mgr, store: store, bus: eventBus}
}

// collectEvents captures bus events matching a subject pattern.
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

func managerWaitFor(t *testing.T, cond func() bool, msg string) {
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

func TestManagerCreatePersistsAndRegisters(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	created := collectEvents(t, f.bus, events.SessionCreated)

	session := &models.Session{Title: "build pipeline", Config: models.Config{Model: "sonnet"}}
	rt, err := f.manager.Create(ctx, session)
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)

	got, ok := f.manager.Get(session.ID)
	assert.True(t, ok)
	assert.Same(t, rt, got)

	row, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "build pipeline", row.Title)
	assert.Equal(t, models.StatusActive, row.Status)

	managerWaitFor(t, func() bool { return len(created()) == 1 }, "session.created not published")
}

func TestManagerGetOrAttachLoadsOnce(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "detached"}
	require.NoError(t, f.store.CreateSession(ctx, session))

	_, ok := f.manager.Get(session.ID)
	assert.False(t, ok, "no runtime before attach")

	rt1, err := f.manager.GetOrAttach(ctx, session.ID)
	require.NoError(t, err)
	rt2, err := f.manager.GetOrAttach(ctx, session.ID)
	require.NoError(t, err)
	assert.Same(t, rt1, rt2, "attach is idempotent")
	assert.Equal(t, session.ID, rt1.Session().ID)
}

func TestManagerGetOrAttachUnknownSession(t *testing.T) {
	f := setupManager(t)

	_, err := f.manager.GetOrAttach(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManagerAttachRecoversOrphans(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "crashed"}
	require.NoError(t, f.store.CreateSession(ctx, session))

	orphan := &agent.Message{
		UUID:        "orphan-1",
		SessionID:   session.ID,
		Type:        agent.MessageTypeUser,
		TimestampMs: time.Now().UnixMilli(),
		Status:      agent.StatusQueued,
		Payload:     []byte(`{"type":"user"}`),
	}
	require.NoError(t, f.store.SaveMessage(ctx, orphan))

	_, err := f.manager.GetOrAttach(ctx, session.ID)
	require.NoError(t, err)

	msg, err := f.store.GetMessageByUUID(ctx, session.ID, "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusSaved, msg.Status)
}

func TestManagerDeleteCascades(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()
	deleted := collectEvents(t, f.bus, events.SessionDeleted)

	session := &models.Session{Title: "doomed"}
	_, err := f.manager.Create(ctx, session)
	require.NoError(t, err)

	msg := &agent.Message{
		UUID:        "m1",
		SessionID:   session.ID,
		Type:        agent.MessageTypeUser,
		TimestampMs: time.Now().UnixMilli(),
		Status:      agent.StatusSaved,
		Payload:     []byte(`{"type":"user"}`),
	}
	require.NoError(t, f.store.SaveMessage(ctx, msg))

	require.NoError(t, f.manager.Delete(ctx, session.ID))

	_, ok := f.manager.Get(session.ID)
	assert.False(t, ok, "runtime evicted")

	_, err = f.store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	count, err := f.store.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "messages cascade with the session row")

	managerWaitFor(t, func() bool { return len(deleted()) == 1 }, "session.deleted not published")
}

func TestManagerDeletedSessionDoesNotReattach(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "gone"}
	_, err := f.manager.Create(ctx, session)
	require.NoError(t, err)
	require.NoError(t, f.manager.Delete(ctx, session.ID))

	_, err = f.manager.GetOrAttach(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManagerArchiveEvictsButKeepsRow(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "shelved"}
	_, err := f.manager.Create(ctx, session)
	require.NoError(t, err)

	require.NoError(t, f.manager.Archive(ctx, session.ID))

	_, ok := f.manager.Get(session.ID)
	assert.False(t, ok, "runtime evicted")

	row, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, row.Status)

	// An archived session is still attachable.
	rt, err := f.manager.GetOrAttach(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, rt.Session().ID)
}

func TestManagerListFiltersByStatus(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	active := &models.Session{Title: "active one"}
	_, err := f.manager.Create(ctx, active)
	require.NoError(t, err)
	archived := &models.Session{Title: "archived one"}
	_, err = f.manager.Create(ctx, archived)
	require.NoError(t, err)
	require.NoError(t, f.manager.Archive(ctx, archived.ID))

	got, err := f.manager.List(ctx, models.StatusActive)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)

	all, err := f.manager.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestManagerUpdateConfigDetached(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "cold", Config: models.Config{Model: "sonnet"}}
	require.NoError(t, f.store.CreateSession(ctx, session))

	err := f.manager.UpdateConfig(ctx, session.ID, func(cfg *models.Config) {
		cfg.Model = "opus"
		cfg.MaxTurns = 12
	})
	require.NoError(t, err)

	row, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "opus", row.Config.Model)
	assert.Equal(t, 12, row.Config.MaxTurns)
}

func TestManagerUpdateConfigAttached(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "warm"}
	rt, err := f.manager.Create(ctx, session)
	require.NoError(t, err)

	err = f.manager.UpdateConfig(ctx, session.ID, func(cfg *models.Config) {
		cfg.PermissionMode = "acceptEdits"
	})
	require.NoError(t, err)

	assert.Equal(t, "acceptEdits", rt.Session().Config.PermissionMode)
	row, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "acceptEdits", row.Config.PermissionMode)
}

func TestManagerDraftCoalescesWrites(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "typing"}
	_, err := f.manager.Create(ctx, session)
	require.NoError(t, err)

	// Keystrokes inside one coalescing window collapse to the final text.
	f.manager.SetDraft(ctx, session.ID, "client-a", "h")
	f.manager.SetDraft(ctx, session.ID, "client-a", "he")
	f.manager.SetDraft(ctx, session.ID, "client-a", "hello")

	// Before the flush the pending text is still readable.
	draft, err := f.manager.GetDraft(ctx, session.ID, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "hello", draft.Text)

	managerWaitFor(t, func() bool {
		row, err := f.store.GetDraft(ctx, session.ID, "client-a")
		return err == nil && row.Text == "hello"
	}, "draft not flushed")
}

func TestManagerEmptyDraftDeletes(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "erasing"}
	_, err := f.manager.Create(ctx, session)
	require.NoError(t, err)

	f.manager.SetDraft(ctx, session.ID, "client-a", "keep me")
	managerWaitFor(t, func() bool {
		_, err := f.store.GetDraft(ctx, session.ID, "client-a")
		return err == nil
	}, "initial draft not flushed")

	f.manager.SetDraft(ctx, session.ID, "client-a", "")
	managerWaitFor(t, func() bool {
		_, err := f.store.GetDraft(ctx, session.ID, "client-a")
		return err != nil
	}, "empty draft should delete the row")

	_, err = f.manager.GetDraft(ctx, session.ID, "client-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManagerCloseFlushesDraftsAndRejectsAttach(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	session := &models.Session{Title: "shutting down"}
	_, err := f.manager.Create(ctx, session)
	require.NoError(t, err)

	f.manager.SetDraft(ctx, session.ID, "client-a", "unsent thought")
	require.NoError(t, f.manager.Close(ctx))

	row, err := f.store.GetDraft(ctx, session.ID, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "unsent thought", row.Text)

	_, ok := f.manager.Get(session.ID)
	assert.False(t, ok, "runtimes evicted on close")

	_, err = f.manager.GetOrAttach(ctx, session.ID)
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = f.manager.Create(ctx, &models.Session{Title: "late"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}
