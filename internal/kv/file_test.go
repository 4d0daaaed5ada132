package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T) (*FileStore, *FileStore) {
	t.Helper()
	dir := t.TempDir()
	a, err := OpenFileStore(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenFileStore(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func TestFileStore_RoundTrip(t *testing.T) {
	a, _ := openPair(t)

	_, ok, err := a.Get(AuthStateKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Set(AuthStateKey, []byte(`{"user":null}`)))
	got, ok, err := a.Get(AuthStateKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"user":null}`, string(got))

	keys, err := a.Keys("federation:")
	require.NoError(t, err)
	assert.Equal(t, []string{AuthStateKey}, keys)

	require.NoError(t, a.Delete(AuthStateKey))
	require.NoError(t, a.Delete(AuthStateKey))
	_, ok, err = a.Get(AuthStateKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_PeerWriteIsObserved(t *testing.T) {
	a, b := openPair(t)

	var fromA, fromB recorder
	defer a.Watch(fromA.record)()
	defer b.Watch(fromB.record)()

	require.NoError(t, a.Set(SelectedAthrosKey, []byte(`["athro-maths"]`)))

	require.Eventually(t, func() bool {
		for _, c := range fromB.snapshot() {
			if c.Key == SelectedAthrosKey && string(c.NewValue) == `["athro-maths"]` {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Give the writer's own watcher time to see (and drop) the event.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fromA.snapshot())
}

func TestFileStore_PeerDeleteIsObserved(t *testing.T) {
	a, b := openPair(t)

	var seen recorder
	defer b.Watch(seen.record)()

	require.NoError(t, a.Set(ConfidenceLevelsKey, []byte(`{}`)))
	require.Eventually(t, func() bool {
		return len(seen.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Delete(ConfidenceLevelsKey))
	require.Eventually(t, func() bool {
		for _, c := range seen.snapshot() {
			if c.Key == ConfidenceLevelsKey && c.Deleted() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeyFromNameSkipsTempFiles(t *testing.T) {
	_, ok := keyFromName("/tmp/x/" + tempPrefix + "123")
	assert.False(t, ok)

	key, ok := keyFromName("/tmp/x/federation%3Aauth_state.json")
	assert.True(t, ok)
	assert.Equal(t, AuthStateKey, key)
}
