// Package kv provides the shared persistent key-value store used both as a
// cache and as a change-notification medium between instances.
package kv

import (
	"encoding/json"
	"fmt"
)

// Change describes a write observed by a watcher. NewValue is nil when the
// key was deleted; OldValue is nil when the key did not exist before.
type Change struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

// Deleted reports whether the change removed the key.
func (c Change) Deleted() bool {
	return c.NewValue == nil
}

// Store is one window's handle on the shared store.
//
// Watch callbacks fire only for writes made through other handles, the same
// way a browser storage event never reaches the tab that caused it. For the
// in-memory backend callbacks run synchronously on the writer's goroutine,
// so they must not block on locks the writer may hold.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Watch(fn func(Change)) (cancel func())
}

// GetJSON decodes the value stored at key into v. It reports false when the
// key is missing.
func GetJSON(s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(key, raw)
}
