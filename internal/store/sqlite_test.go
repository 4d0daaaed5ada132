package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/study-federation/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func session(id string, active bool, at time.Time, msgs ...string) *domain.ChatSession {
	sess := &domain.ChatSession{
		ID:        id,
		OwnerID:   "u1",
		SubjectID: "maths",
		CreatedAt: at,
		UpdatedAt: at,
		IsActive:  active,
	}
	for _, m := range msgs {
		sess.Messages = append(sess.Messages, domain.Message{Role: "user", Content: m, CreatedAt: at})
	}
	return sess
}

func TestSQLiteStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.UnixMilli(1_700_000_000_123)

	got, err := s.GetActiveSession(ctx, "u1", "maths")
	require.NoError(t, err)
	assert.Nil(t, got)

	want := session("s1", true, at, "hello")
	require.NoError(t, s.UpsertSession(ctx, want))

	got, err = s.GetActiveSession(ctx, "u1", "maths")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("active session mismatch (-want +got):\n%s", diff)
	}

	want.Messages = append(want.Messages, domain.Message{Role: "assistant", Content: "hi", CreatedAt: at})
	want.UpdatedAt = at.Add(time.Second)
	require.NoError(t, s.UpsertSession(ctx, want))

	got, err = s.GetSession(ctx, "u1", "s1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("updated session mismatch (-want +got):\n%s", diff)
	}

	other, err := s.GetSession(ctx, "someone-else", "s1")
	require.NoError(t, err)
	assert.Nil(t, other, "sessions are scoped to their owner")
}

func TestSQLiteStore_EmptyMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertSession(ctx, session("s1", true, time.UnixMilli(1))))
	got, err := s.GetSession(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Messages)
}

func TestSQLiteStore_SingleActivePerSubject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.UpsertSession(ctx, session("s1", true, at, "one")))
	err := s.UpsertSession(ctx, session("s2", true, at, "two"))
	assert.ErrorIs(t, err, ErrActiveExists)

	require.NoError(t, s.ReplaceActive(ctx, session("s2", true, at.Add(time.Second))))

	active, err := s.GetActiveSession(ctx, "u1", "maths")
	require.NoError(t, err)
	assert.Equal(t, "s2", active.ID)

	archived, err := s.ListArchived(ctx, "u1", "maths")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "s1", archived[0].ID)
	assert.False(t, archived[0].IsActive)
	assert.Equal(t, "one", archived[0].Messages[0].Content)
}

func TestSQLiteStore_ArchivedRowsAreNotEdited(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.UpsertSession(ctx, session("s1", true, at, "original")))
	require.NoError(t, s.ReplaceActive(ctx, session("s2", true, at)))

	require.NoError(t, s.UpsertSession(ctx, session("s1", false, at, "rewritten")))

	got, err := s.GetSession(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "original", got.Messages[0].Content)
}

func TestSQLiteStore_ActivateSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.UpsertSession(ctx, session("old", true, at, "old")))
	require.NoError(t, s.ReplaceActive(ctx, session("current", true, at, "current")))

	err := s.ActivateSession(ctx, "u1", "maths", "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	active, err := s.GetActiveSession(ctx, "u1", "maths")
	require.NoError(t, err)
	assert.Equal(t, "current", active.ID, "failed activation changes nothing")

	require.NoError(t, s.ActivateSession(ctx, "u1", "maths", "old"))

	active, err = s.GetActiveSession(ctx, "u1", "maths")
	require.NoError(t, err)
	assert.Equal(t, "old", active.ID)

	archived, err := s.ListArchived(ctx, "u1", "maths")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "current", archived[0].ID)
}

func TestSQLiteStore_DeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertSession(ctx, session("s1", true, time.UnixMilli(1), "x")))
	require.NoError(t, s.DeleteSession(ctx, "u1", "s1"))
	require.NoError(t, s.DeleteSession(ctx, "u1", "s1"))

	got, err := s.GetSession(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
