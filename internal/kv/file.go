package kv

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	fileSuffix = ".json"
	tempPrefix = ".tmp-"
)

// FileStore keeps one file per key in a directory shared by every process of
// an origin. Writes by other processes are reported through fsnotify.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	known    map[string][]byte // last value seen or written by this handle
	watchers map[int]func(Change)
	nextID   int

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  bool
}

// OpenFileStore opens (and creates) the store rooted at dir.
func OpenFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch store directory: %w", err)
	}

	s := &FileStore{
		dir:      dir,
		logger:   logger,
		known:    make(map[string][]byte),
		watchers: make(map[int]func(Change)),
		watcher:  watcher,
		done:     make(chan struct{}),
	}

	keys, err := s.Keys("")
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	for _, k := range keys {
		if v, ok, err := s.Get(k); err == nil && ok {
			s.known[k] = v
		}
	}

	go s.run()
	return s, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+fileSuffix)
}

func keyFromName(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, tempPrefix) || !strings.HasSuffix(base, fileSuffix) {
		return "", false
	}
	key, err := url.QueryUnescape(strings.TrimSuffix(base, fileSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}

// Get reads the current value of key.
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

// Set atomically replaces the value of key.
func (s *FileStore) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", key, err)
	}

	s.known[key] = bytes.Clone(value)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.known, key)
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys starting with prefix, sorted.
func (s *FileStore) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := keyFromName(e.Name())
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Watch registers fn for changes written by other processes.
func (s *FileStore) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Close stops the watcher goroutine.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *FileStore) run() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("store watcher error", "dir", s.dir, "error", err)
		}
	}
}

func (s *FileStore) handle(ev fsnotify.Event) {
	key, ok := keyFromName(ev.Name)
	if !ok {
		return
	}

	current, exists, err := s.Get(key)
	if err != nil {
		s.logger.Debug("store watcher read failed", "key", key, "error", err)
		return
	}

	s.mu.Lock()
	old, had := s.known[key]
	var change Change
	switch {
	case exists && had && bytes.Equal(old, current):
		s.mu.Unlock()
		return
	case exists:
		s.known[key] = bytes.Clone(current)
		change = Change{Key: key, OldValue: old, NewValue: current}
	case had:
		delete(s.known, key)
		change = Change{Key: key, OldValue: old}
	default:
		s.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	s.mu.Unlock()

	notify(fns, change)
}

var _ Store = (*FileStore)(nil)
