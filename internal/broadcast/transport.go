package broadcast

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/kv"
)

// StorageTransportTTL is how long a broadcast record stays in the store
// before its writer deletes it.
const StorageTransportTTL = 100 * time.Millisecond

// Envelope is what travels between peers.
type Envelope struct {
	ID        string          `json:"id"`
	Origin    string          `json:"origin"`
	Name      events.Name     `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Transport carries envelopes to other same-origin peers. A transport never
// delivers an envelope back to the peer that sent it.
type Transport interface {
	Name() string
	Send(env Envelope) error
	Listen(fn func(Envelope)) (stop func())
	Close() error
}

// SelectTransport picks the best available transport once, at construction:
// the native hub when the process has one, else the store-backed fallback.
// It returns nil when neither is available, which leaves the channel
// local-only.
func SelectTransport(hub *Hub, store kv.Store, origin string, logger *slog.Logger) Transport {
	switch {
	case hub != nil:
		return hub.Join(origin)
	case store != nil:
		return NewStorageTransport(store, origin, logger)
	default:
		return nil
	}
}

// Hub is the native multicast primitive shared by peers in one process.
type Hub struct {
	mu        sync.RWMutex
	listeners map[int]hubListener
	nextID    int
}

type hubListener struct {
	peer *HubTransport
	fn   func(Envelope)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]hubListener)}
}

// Join attaches a new peer to the hub.
func (h *Hub) Join(origin string) *HubTransport {
	return &HubTransport{hub: h, origin: origin}
}

// HubTransport is one peer's attachment to a Hub.
type HubTransport struct {
	hub    *Hub
	origin string
	mu     sync.Mutex
	ids    []int
}

func (t *HubTransport) Name() string { return "hub" }

func (t *HubTransport) Send(env Envelope) error {
	t.hub.mu.RLock()
	var fns []func(Envelope)
	for _, id := range sortedIDs(t.hub.listeners) {
		if l := t.hub.listeners[id]; l.peer != t {
			fns = append(fns, l.fn)
		}
	}
	t.hub.mu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
	return nil
}

func (t *HubTransport) Listen(fn func(Envelope)) func() {
	t.hub.mu.Lock()
	id := t.hub.nextID
	t.hub.nextID++
	t.hub.listeners[id] = hubListener{peer: t, fn: fn}
	t.hub.mu.Unlock()

	t.mu.Lock()
	t.ids = append(t.ids, id)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.hub.mu.Lock()
			delete(t.hub.listeners, id)
			t.hub.mu.Unlock()
		})
	}
}

func (t *HubTransport) Close() error {
	t.mu.Lock()
	ids := t.ids
	t.ids = nil
	t.mu.Unlock()

	t.hub.mu.Lock()
	for _, id := range ids {
		delete(t.hub.listeners, id)
	}
	t.hub.mu.Unlock()
	return nil
}

func sortedIDs(m map[int]hubListener) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// StorageTransport writes each envelope as a uniquely keyed record in the
// shared store and deletes it shortly after. Peers treat the transient write
// as the event.
type StorageTransport struct {
	store  kv.Store
	origin string
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewStorageTransport creates a store-backed transport.
func NewStorageTransport(store kv.Store, origin string, logger *slog.Logger) *StorageTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageTransport{
		store:  store,
		origin: origin,
		ttl:    StorageTransportTTL,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

func (t *StorageTransport) Name() string { return "storage" }

func (t *StorageTransport) Send(env Envelope) error {
	key := kv.BroadcastPrefix + uuid.NewString()
	if err := kv.SetJSON(t.store, key, env); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.store.Delete(key)
	}
	t.timers[key] = time.AfterFunc(t.ttl, func() { t.expire(key) })
	return nil
}

func (t *StorageTransport) expire(key string) {
	t.mu.Lock()
	delete(t.timers, key)
	t.mu.Unlock()

	if err := t.store.Delete(key); err != nil {
		t.logger.Warn("failed to delete broadcast record", "key", key, "error", err)
	}
}

func (t *StorageTransport) Listen(fn func(Envelope)) func() {
	return t.store.Watch(func(c kv.Change) {
		if !strings.HasPrefix(c.Key, kv.BroadcastPrefix) || c.Deleted() {
			return
		}
		var env Envelope
		if err := json.Unmarshal(c.NewValue, &env); err != nil {
			t.logger.Warn("dropping malformed broadcast record", "key", c.Key, "error", err)
			return
		}
		if env.Origin == t.origin {
			return
		}
		fn(env)
	})
}

// Close deletes any records still waiting for their delayed delete.
func (t *StorageTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	pending := t.timers
	t.timers = make(map[string]*time.Timer)
	t.mu.Unlock()

	for key, timer := range pending {
		if timer.Stop() {
			if err := t.store.Delete(key); err != nil {
				t.logger.Warn("failed to delete broadcast record", "key", key, "error", err)
			}
		}
	}
	return nil
}
