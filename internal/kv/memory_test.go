package kv

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestMemoryBackend_NotifiesOtherWindowsOnly(t *testing.T) {
	b := NewMemoryBackend()
	host := b.Open("host")
	module := b.Open("module")

	var hostSeen, moduleSeen recorder
	defer host.Watch(hostSeen.record)()
	defer module.Watch(moduleSeen.record)()

	require.NoError(t, host.Set("k", []byte(`"v1"`)))

	assert.Empty(t, hostSeen.snapshot(), "writer must not see its own change")
	got := moduleSeen.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "k", got[0].Key)
	assert.Nil(t, got[0].OldValue)
	assert.Equal(t, []byte(`"v1"`), got[0].NewValue)
}

func TestMemoryBackend_UnchangedWriteIsSilent(t *testing.T) {
	b := NewMemoryBackend()
	host := b.Open("host")
	module := b.Open("module")

	var seen recorder
	defer module.Watch(seen.record)()

	require.NoError(t, host.Set("k", []byte("1")))
	require.NoError(t, host.Set("k", []byte("1")))
	assert.Len(t, seen.snapshot(), 1)
}

func TestMemoryBackend_DeleteReportsOldValue(t *testing.T) {
	b := NewMemoryBackend()
	host := b.Open("host")
	module := b.Open("module")
	require.NoError(t, host.Set("k", []byte("1")))

	var seen recorder
	cancel := module.Watch(seen.record)
	require.NoError(t, host.Delete("k"))
	require.NoError(t, host.Delete("k"))
	cancel()
	require.NoError(t, host.Set("k", []byte("2")))

	got := seen.snapshot()
	require.Len(t, got, 1)
	assert.True(t, got[0].Deleted())
	assert.Equal(t, []byte("1"), got[0].OldValue)
}

func TestMemoryBackend_KeysByPrefix(t *testing.T) {
	s := NewMemoryBackend().Open("w")
	require.NoError(t, s.Set(BroadcastPrefix+"b", nil))
	require.NoError(t, s.Set(BroadcastPrefix+"a", nil))
	require.NoError(t, s.Set(AuthStateKey, nil))

	keys, err := s.Keys(BroadcastPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{BroadcastPrefix + "a", BroadcastPrefix + "b"}, keys)
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryBackend().Open("w")

	var out []string
	ok, err := GetJSON(s, SelectedAthrosKey, &out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(s, SelectedAthrosKey, []string{"athro-maths"}))
	ok, err = GetJSON(s, SelectedAthrosKey, &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"athro-maths"}, out)

	require.NoError(t, s.Set(SelectedAthrosKey, []byte("{broken")))
	_, err = GetJSON(s, SelectedAthrosKey, &out)
	assert.Error(t, err)
}
