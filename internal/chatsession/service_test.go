package chatsession

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/shared"
	"github.com/ashureev/study-federation/internal/store"
)

var errDown = errors.New("connection refused")

// flakyRepo wraps a real repository and fails every call while down is set.
type flakyRepo struct {
	store.Repository
	down  atomic.Bool
	calls atomic.Int32
}

func (f *flakyRepo) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return errDown
	}
	return nil
}

func (f *flakyRepo) GetActiveSession(ctx context.Context, owner, subject string) (*domain.ChatSession, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Repository.GetActiveSession(ctx, owner, subject)
}

func (f *flakyRepo) GetSession(ctx context.Context, owner, id string) (*domain.ChatSession, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Repository.GetSession(ctx, owner, id)
}

func (f *flakyRepo) UpsertSession(ctx context.Context, sess *domain.ChatSession) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Repository.UpsertSession(ctx, sess)
}

func (f *flakyRepo) ReplaceActive(ctx context.Context, next *domain.ChatSession) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Repository.ReplaceActive(ctx, next)
}

func (f *flakyRepo) ActivateSession(ctx context.Context, owner, subject, id string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Repository.ActivateSession(ctx, owner, subject, id)
}

func (f *flakyRepo) ListArchived(ctx context.Context, owner, subject string) ([]*domain.ChatSession, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Repository.ListArchived(ctx, owner, subject)
}

func (f *flakyRepo) DeleteSession(ctx context.Context, owner, id string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Repository.DeleteSession(ctx, owner, id)
}

type emitted struct {
	mu  sync.Mutex
	got []*events.SessionPayload
}

func (e *emitted) Emit(p events.Payload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, p.(*events.SessionPayload))
}

func (e *emitted) kinds() []events.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Name, 0, len(e.got))
	for _, p := range e.got {
		out = append(out, p.Kind())
	}
	return out
}

type fixture struct {
	svc    *Service
	repo   *flakyRepo
	kv     kv.Store
	events *emitted
	owner  *atomic.Value
}

func newFixture(t *testing.T, withRepo bool) *fixture {
	t.Helper()
	f := &fixture{
		kv:     kv.NewMemoryBackend().Open("module"),
		events: &emitted{},
		owner:  &atomic.Value{},
	}
	f.owner.Store("u1")

	var repo store.Repository
	if withRepo {
		sqlite, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sqlite.Close() })
		f.repo = &flakyRepo{Repository: sqlite}
		repo = f.repo
	}

	clock := time.UnixMilli(1_700_000_000_000)
	f.svc = New(Options{
		Repo:   repo,
		Store:  f.kv,
		Owner:  func(context.Context) string { return f.owner.Load().(string) },
		Events: f.events,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return f
}

func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for _, tc := range []struct {
		name     string
		withRepo bool
	}{
		{"remote", true},
		{"local only", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn(t, newFixture(t, tc.withRepo))
		})
	}
}

func msgs(contents ...string) []domain.Message {
	out := make([]domain.Message, 0, len(contents))
	for _, c := range contents {
		out = append(out, domain.Message{Role: "user", Content: c})
	}
	return out
}

func TestSaveActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		none, err := f.svc.GetActive(ctx, "maths")
		require.NoError(t, err)
		assert.Nil(t, none)

		first, err := f.svc.SaveActive(ctx, "maths", msgs("hi"))
		require.NoError(t, err)
		second, err := f.svc.SaveActive(ctx, "maths", msgs("hi", "again"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID, "saving reuses the active session")

		got, err := f.svc.GetActive(ctx, "maths")
		require.NoError(t, err)
		require.NotNil(t, got)
		if diff := cmp.Diff(msgs("hi", "again"), got.Messages); diff != "" {
			t.Errorf("messages mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, []events.Name{events.SessionSaved, events.SessionSaved}, f.events.kinds())
	})
}

func TestArchiveAndCreateNew_LeavesExactlyOneActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		before, err := f.svc.SaveActive(ctx, "maths", msgs("draft"))
		require.NoError(t, err)

		next, err := f.svc.ArchiveAndCreateNew(ctx, "maths", msgs("q1", "a1"))
		require.NoError(t, err)
		assert.NotEqual(t, before.ID, next.ID)
		assert.Empty(t, next.Messages)
		assert.True(t, next.IsActive)

		active, err := f.svc.GetActive(ctx, "maths")
		require.NoError(t, err)
		assert.Equal(t, next.ID, active.ID)

		archived, err := f.svc.ListArchived(ctx, "maths")
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, before.ID, archived[0].ID)
		assert.False(t, archived[0].IsActive)
		if diff := cmp.Diff(msgs("q1", "a1"), archived[0].Messages); diff != "" {
			t.Errorf("archived messages mismatch (-want +got):\n%s", diff)
		}

		f.events.mu.Lock()
		last := f.events.got[len(f.events.got)-1]
		f.events.mu.Unlock()
		assert.Equal(t, events.SessionArchived, last.Kind())
		assert.Equal(t, before.ID, last.SessionID)
		assert.Equal(t, next.ID, last.NewSessionID)
	})
}

func TestArchiveAndCreateNew_EmptyMessagesArchiveStoredTranscript(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		before, err := f.svc.SaveActive(ctx, "maths", msgs("q1", "a1"))
		require.NoError(t, err)

		next, err := f.svc.ArchiveAndCreateNew(ctx, "maths", []domain.Message{})
		require.NoError(t, err)
		assert.NotEqual(t, before.ID, next.ID)

		archived, err := f.svc.ListArchived(ctx, "maths")
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, before.ID, archived[0].ID)
		if diff := cmp.Diff(msgs("q1", "a1"), archived[0].Messages); diff != "" {
			t.Errorf("archived messages mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestArchiveAndCreateNew_EmptySessionIsReused(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		first, err := f.svc.ArchiveAndCreateNew(ctx, "maths", nil)
		require.NoError(t, err)
		again, err := f.svc.ArchiveAndCreateNew(ctx, "maths", nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)

		archived, err := f.svc.ListArchived(ctx, "maths")
		require.NoError(t, err)
		assert.Empty(t, archived)
	})
}

func TestDeleteAndCreateNew(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		before, err := f.svc.SaveActive(ctx, "maths", msgs("scrap this"))
		require.NoError(t, err)

		next, err := f.svc.DeleteAndCreateNew(ctx, "maths")
		require.NoError(t, err)
		assert.NotEqual(t, before.ID, next.ID)

		active, err := f.svc.GetActive(ctx, "maths")
		require.NoError(t, err)
		assert.Equal(t, next.ID, active.ID)

		archived, err := f.svc.ListArchived(ctx, "maths")
		require.NoError(t, err)
		assert.Empty(t, archived, "deleted sessions are not archived")
		assert.Contains(t, f.events.kinds(), events.SessionDeleted)
	})
}

func TestLoadArchived(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		old, err := f.svc.SaveActive(ctx, "maths", msgs("old"))
		require.NoError(t, err)
		current, err := f.svc.ArchiveAndCreateNew(ctx, "maths", nil)
		require.NoError(t, err)

		loaded, err := f.svc.LoadArchived(ctx, "maths", old.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, old.ID, loaded.ID)
		assert.True(t, loaded.IsActive)

		active, err := f.svc.GetActive(ctx, "maths")
		require.NoError(t, err)
		assert.Equal(t, old.ID, active.ID)

		archived, err := f.svc.ListArchived(ctx, "maths")
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, current.ID, archived[0].ID, "the empty active session is archived, not deleted")
		assert.Contains(t, f.events.kinds(), events.SessionLoaded)
	})
}

func TestLoadArchived_MissingLeavesActiveUnchanged(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		current, err := f.svc.SaveActive(ctx, "maths", msgs("keep me"))
		require.NoError(t, err)
		other, err := f.svc.SaveActive(ctx, "physics", msgs("other subject"))
		require.NoError(t, err)

		for _, id := range []string{"does-not-exist", other.ID} {
			loaded, err := f.svc.LoadArchived(ctx, "maths", id)
			require.NoError(t, err)
			assert.Nil(t, loaded, id)
		}

		active, err := f.svc.GetActive(ctx, "maths")
		require.NoError(t, err)
		assert.Equal(t, current.ID, active.ID)
		assert.Equal(t, "keep me", active.Messages[0].Content)
		assert.NotContains(t, f.events.kinds(), events.SessionLoaded)
	})
}

func TestDeleteArchived(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		old, err := f.svc.SaveActive(ctx, "maths", msgs("old"))
		require.NoError(t, err)
		next, err := f.svc.ArchiveAndCreateNew(ctx, "maths", nil)
		require.NoError(t, err)

		assert.ErrorIs(t, f.svc.DeleteArchived(ctx, "maths", next.ID), ErrSessionActive)
		require.NoError(t, f.svc.DeleteArchived(ctx, "maths", old.ID))
		require.NoError(t, f.svc.DeleteArchived(ctx, "maths", old.ID))

		archived, err := f.svc.ListArchived(ctx, "maths")
		require.NoError(t, err)
		assert.Empty(t, archived)
	})
}

func TestNotAuthenticated(t *testing.T) {
	f := newFixture(t, false)
	f.owner.Store("")

	_, err := f.svc.GetActive(context.Background(), "maths")
	assert.ErrorIs(t, err, shared.ErrNotAuthenticated)
	_, err = f.svc.SaveActive(context.Background(), "maths", msgs("x"))
	assert.ErrorIs(t, err, shared.ErrNotAuthenticated)
}

func TestRemoteFailureFallsBackAndMigrates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.repo.down.Store(true)
	saved, err := f.svc.SaveActive(ctx, "maths", msgs("offline"))
	require.NoError(t, err, "remote failures are never surfaced")

	var local []*domain.ChatSession
	ok, err := kv.GetJSON(f.kv, kv.ChatSessionsKey("u1"), &local)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, local, 1)
	assert.Equal(t, saved.ID, local[0].ID)

	active, err := f.svc.GetActive(ctx, "maths")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, active.ID, "reads fall back to the local cache")

	f.repo.down.Store(false)
	active, err = f.svc.GetActive(ctx, "maths")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, saved.ID, active.ID)

	remote, err := f.repo.Repository.GetActiveSession(ctx, "u1", "maths")
	require.NoError(t, err)
	require.NotNil(t, remote)
	assert.Equal(t, "offline", remote.Messages[0].Content)

	_, ok, err = f.kv.Get(kv.ChatSessionsKey("u1"))
	require.NoError(t, err)
	assert.False(t, ok, "migrated sessions leave the local cache")
}

func TestMigrationSkipsExistingRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	saved, err := f.svc.SaveActive(ctx, "maths", msgs("remote copy"))
	require.NoError(t, err)

	stale := saved.Clone()
	stale.Messages = msgs("stale local copy")
	stale.UpdatedAt = saved.UpdatedAt.Add(-time.Minute)
	require.NoError(t, kv.SetJSON(f.kv, kv.ChatSessionsKey("u1"), []*domain.ChatSession{stale}))
	f.svc.ResetMigration()

	active, err := f.svc.GetActive(ctx, "maths")
	require.NoError(t, err)
	assert.Equal(t, "remote copy", active.Messages[0].Content)

	archived, err := f.svc.ListArchived(ctx, "maths")
	require.NoError(t, err)
	assert.Empty(t, archived, "an existing id is never duplicated")
}

func TestMigrationKeepsNewerRemoteActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.repo.down.Store(true)
	offline, err := f.svc.SaveActive(ctx, "maths", msgs("offline"))
	require.NoError(t, err)

	// Another instance wrote a newer active session meanwhile.
	newer := &domain.ChatSession{
		ID: "remote-1", OwnerID: "u1", SubjectID: "maths", IsActive: true,
		Messages:  msgs("online"),
		CreatedAt: offline.UpdatedAt.Add(time.Hour),
		UpdatedAt: offline.UpdatedAt.Add(time.Hour),
	}
	require.NoError(t, f.repo.Repository.UpsertSession(ctx, newer))

	f.repo.down.Store(false)
	active, err := f.svc.GetActive(ctx, "maths")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", active.ID)

	archived, err := f.svc.ListArchived(ctx, "maths")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, offline.ID, archived[0].ID)
	assert.Equal(t, "offline", archived[0].Messages[0].Content)
}

func TestMigrationRunsOncePerSubject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.svc.GetActive(ctx, "maths")
	require.NoError(t, err)
	f.repo.calls.Store(0)

	_, err = f.svc.GetActive(ctx, "maths")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.repo.calls.Load(), "a clean subject needs no migration lookups")
}

func TestLocalCacheIsScopedPerUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.svc.SaveActive(ctx, "maths", msgs("u1 notes"))
	require.NoError(t, err)

	f.owner.Store("u2")
	f.svc.ResetMigration()
	active, err := f.svc.GetActive(ctx, "maths")
	require.NoError(t, err)
	assert.Nil(t, active)
}
