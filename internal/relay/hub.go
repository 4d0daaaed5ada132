package relay

import (
	"container/list"
	"log/slog"
	"slices"
	"sync"
)

// DefaultInboxSize is the number of undelivered events kept per instance.
const DefaultInboxSize = 256

// Hub is the relay server's fan-out state. Every published event is offered
// to every instance the hub knows about, including the sender; clients drop
// their own echoes. Instances with a live stream get events pushed, the rest
// accumulate them in a bounded inbox until they poll.
type Hub struct {
	mu         sync.Mutex
	inboxes    map[string]*list.List
	streams    map[string]map[int64]chan WireEvent
	nextStream int64
	maxSize    int
	logger     *slog.Logger
}

// NewHub creates a hub with per-instance inboxes of maxSize events.
func NewHub(maxSize int, logger *slog.Logger) *Hub {
	if maxSize <= 0 {
		maxSize = DefaultInboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		inboxes: make(map[string]*list.List),
		streams: make(map[string]map[int64]chan WireEvent),
		maxSize: maxSize,
		logger:  logger,
	}
}

func (h *Hub) registerLocked(instance string) *list.List {
	l, ok := h.inboxes[instance]
	if !ok {
		l = list.New()
		h.inboxes[instance] = l
	}
	return l
}

// Publish offers ev to every known instance and returns how many received it.
func (h *Hub) Publish(ev WireEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for instance, inbox := range h.inboxes {
		if h.pushLocked(instance, ev) {
			delivered++
			continue
		}
		inbox.PushBack(ev)
		// Evict oldest events only within this instance's inbox.
		for inbox.Len() > h.maxSize {
			inbox.Remove(inbox.Front())
			h.logger.Warn("relay inbox full, dropping oldest event", "instance", instance)
		}
		delivered++
	}
	return delivered
}

// pushLocked offers ev to the live streams of instance. A stream whose
// buffer is full is closed and detached; the event then waits in the inbox
// so the client picks it up, in order, when it polls or reconnects.
func (h *Hub) pushLocked(instance string, ev WireEvent) bool {
	streams := h.streams[instance]
	if len(streams) == 0 {
		return false
	}
	lagging := false
	for id, ch := range streams {
		select {
		case ch <- ev:
		default:
			lagging = true
			close(ch)
			delete(streams, id)
			h.logger.Warn("relay stream backed up, detaching it", "instance", instance, "stream", id)
		}
	}
	if len(streams) == 0 {
		delete(h.streams, instance)
	}
	return !lagging
}

// Drain returns and clears the events waiting for instance. The first call
// for an unknown instance registers it.
func (h *Hub) Drain(instance string) []WireEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	inbox := h.registerLocked(instance)
	out := make([]WireEvent, 0, inbox.Len())
	for e := inbox.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(WireEvent))
	}
	inbox.Init()
	return out
}

// Subscribe attaches a live stream for instance. The returned backlog holds
// events that were waiting in the inbox; cancel detaches the stream. The hub
// closes ch when the stream falls behind.
func (h *Hub) Subscribe(instance string, buffer int) (backlog []WireEvent, ch <-chan WireEvent, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	stream := make(chan WireEvent, buffer)

	h.mu.Lock()
	inbox := h.registerLocked(instance)
	for e := inbox.Front(); e != nil; e = e.Next() {
		backlog = append(backlog, e.Value.(WireEvent))
	}
	inbox.Init()

	id := h.nextStream
	h.nextStream++
	if h.streams[instance] == nil {
		h.streams[instance] = make(map[int64]chan WireEvent)
	}
	h.streams[instance][id] = stream
	h.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.streams[instance], id)
			if len(h.streams[instance]) == 0 {
				delete(h.streams, instance)
			}
		})
	}
	return backlog, stream, cancel
}

// Instances lists the known instance names.
func (h *Hub) Instances() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.inboxes))
	for name := range h.inboxes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
