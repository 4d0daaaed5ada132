// Package broadcast implements the local broadcast channel: in-process
// publish/subscribe plus best-effort fan-out to same-origin peers.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/study-federation/internal/events"
)

// Handler receives a validated payload.
type Handler func(events.Payload)

type subscription struct {
	id      uint64
	handler Handler
}

// Channel delivers events to local subscribers in registration order and
// then forwards them to peers through its transport. Emit never fails; a
// panicking subscriber is logged and does not stop the others.
type Channel struct {
	origin    string
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	subs       map[events.Name][]subscription
	nextID     uint64
	stopListen func()
}

// New creates a channel for the named origin. transport may be nil.
func New(origin string, transport Transport, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		origin:    origin,
		transport: transport,
		logger:    logger,
		subs:      make(map[events.Name][]subscription),
	}
	if transport != nil {
		c.stopListen = transport.Listen(c.receive)
		logger.Debug("broadcast channel ready", "origin", origin, "transport", transport.Name())
	}
	return c
}

// On registers handler for name and returns its unsubscribe function.
func (c *Channel) On(name events.Name, handler Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[name] = append(c.subs[name], subscription{id: id, handler: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.subs[name]
			for i, s := range subs {
				if s.id == id {
					c.subs[name] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit validates p, runs every local subscriber, then notifies peers.
func (c *Channel) Emit(p events.Payload) {
	m, err := events.Encode(p)
	if err != nil {
		c.logger.Error("rejected broadcast event", "origin", c.origin, "error", err)
		return
	}

	c.deliver(p)

	if c.transport == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		c.logger.Error("failed to encode broadcast payload", "event", p.Kind(), "error", err)
		return
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Origin:    c.origin,
		Name:      p.Kind(),
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.transport.Send(env); err != nil {
		c.logger.Warn("peer broadcast failed", "event", p.Kind(), "transport", c.transport.Name(), "error", err)
	}
}

// Close detaches the channel from its transport.
func (c *Channel) Close() error {
	if c.stopListen != nil {
		c.stopListen()
	}
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

func (c *Channel) receive(env Envelope) {
	p, err := events.Decode(env.Name, env.Payload)
	if err != nil {
		c.logger.Error("rejected peer broadcast", "origin", env.Origin, "event", env.Name, "error", err)
		return
	}
	c.deliver(p)
}

func (c *Channel) deliver(p events.Payload) {
	c.mu.RLock()
	subs := append([]subscription(nil), c.subs[p.Kind()]...)
	c.mu.RUnlock()

	for _, s := range subs {
		c.invoke(s, p)
	}
}

func (c *Channel) invoke(s subscription, p events.Payload) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("broadcast subscriber failed",
				"event", p.Kind(),
				"subscription", s.id,
				"error", fmt.Sprint(r))
		}
	}()
	s.handler(p)
}
