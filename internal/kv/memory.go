package kv

import (
	"bytes"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend is an in-process store shared by several window handles.
type MemoryBackend struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[int]*memoryWatcher
	nextID   int
}

type memoryWatcher struct {
	owner *memoryHandle
	fn    func(Change)
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data:     make(map[string][]byte),
		watchers: make(map[int]*memoryWatcher),
	}
}

// Open returns a handle for the named window.
func (b *MemoryBackend) Open(window string) Store {
	return &memoryHandle{backend: b, window: window}
}

type memoryHandle struct {
	backend *MemoryBackend
	window  string
}

func (h *memoryHandle) Get(key string) ([]byte, bool, error) {
	h.backend.mu.RLock()
	defer h.backend.mu.RUnlock()
	v, ok := h.backend.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (h *memoryHandle) Set(key string, value []byte) error {
	value = bytes.Clone(value)
	if value == nil {
		value = []byte{}
	}

	h.backend.mu.Lock()
	old, existed := h.backend.data[key]
	if existed && bytes.Equal(old, value) {
		h.backend.mu.Unlock()
		return nil
	}
	h.backend.data[key] = value
	targets := h.backend.peersLocked(h)
	h.backend.mu.Unlock()

	notify(targets, Change{Key: key, OldValue: bytes.Clone(old), NewValue: bytes.Clone(value)})
	return nil
}

func (h *memoryHandle) Delete(key string) error {
	h.backend.mu.Lock()
	old, existed := h.backend.data[key]
	if !existed {
		h.backend.mu.Unlock()
		return nil
	}
	delete(h.backend.data, key)
	targets := h.backend.peersLocked(h)
	h.backend.mu.Unlock()

	notify(targets, Change{Key: key, OldValue: bytes.Clone(old)})
	return nil
}

func (h *memoryHandle) Keys(prefix string) ([]string, error) {
	h.backend.mu.RLock()
	defer h.backend.mu.RUnlock()
	var keys []string
	for k := range h.backend.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (h *memoryHandle) Watch(fn func(Change)) func() {
	h.backend.mu.Lock()
	id := h.backend.nextID
	h.backend.nextID++
	h.backend.watchers[id] = &memoryWatcher{owner: h, fn: fn}
	h.backend.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.backend.mu.Lock()
			delete(h.backend.watchers, id)
			h.backend.mu.Unlock()
		})
	}
}

// peersLocked returns watcher callbacks belonging to handles other than h,
// in registration order.
func (b *MemoryBackend) peersLocked(h *memoryHandle) []func(Change) {
	ids := make([]int, 0, len(b.watchers))
	for id, w := range b.watchers {
		if w.owner != h {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.watchers[id].fn)
	}
	return fns
}

func notify(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}
