// Package relay implements the remote event relay: publishing named events to
// a relay server with a persisted retry queue, and receiving events addressed
// to this instance by polling or a push stream.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/shared"
)

const maxResponseBodySize = 1 << 20

// ClientConfig configures a relay client.
type ClientConfig struct {
	BaseURL       string
	Instance      string
	RetryInterval time.Duration
	PollInterval  time.Duration
	ProbeTimeout  time.Duration
	// PushEnabled makes the inbound loop try the websocket stream before
	// falling back to polling.
	PushEnabled bool
	HTTPClient  *http.Client
}

// DefaultClientConfig returns the default intervals.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryInterval: 30 * time.Second,
		PollInterval:  5 * time.Second,
		ProbeTimeout:  3 * time.Second,
	}
}

// Handler receives a validated inbound event.
type Handler func(events.Payload)

// WireEvent is the shape of an inbound event on the relay.
type WireEvent struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// Client publishes and receives relay events for one instance.
type Client struct {
	cfg       ClientConfig
	http      *http.Client
	store     kv.Store
	logger    *slog.Logger
	available bool

	queueMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[events.Name][]subscription
	nextID uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewClient creates a client and probes the relay once. If the probe fails
// the client stays unavailable for its whole lifetime: publishes are skipped
// and no background loops run.
func NewClient(ctx context.Context, cfg ClientConfig, store kv.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		store:  store,
		logger: logger.With("instance", cfg.Instance),
		subs:   make(map[events.Name][]subscription),
	}
	c.available = c.probe(ctx)
	return c
}

func (c *Client) probe(ctx context.Context) bool {
	if c.cfg.BaseURL == "" {
		c.logger.Info("relay not configured, remote events disabled")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		c.logger.Warn("relay probe failed", "error", err)
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("relay unreachable, remote events disabled", "url", c.cfg.BaseURL, "error", err)
		return false
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		c.logger.Warn("relay unhealthy, remote events disabled", "url", c.cfg.BaseURL, "status", resp.StatusCode)
		return false
	}
	c.logger.Info("relay available", "url", c.cfg.BaseURL)
	return true
}

// Available reports the result of the boot-time probe.
func (c *Client) Available() bool {
	return c.available
}

// Instance returns this client's logical instance name.
func (c *Client) Instance() string {
	return c.cfg.Instance
}

// PublishEvent sends p to the relay. A failed send is queued for retry;
// nothing is reported to the caller.
func (c *Client) PublishEvent(ctx context.Context, p events.Payload) {
	payload, err := events.Encode(p)
	if err != nil {
		c.logger.Error("rejected relay event", "error", err)
		return
	}
	if !c.available {
		c.logger.Debug("relay unavailable, skipping publish", "event", p.Kind())
		return
	}

	if err := c.post(ctx, p.Kind(), payload); err != nil {
		c.logger.Warn("relay publish failed, queueing for retry", "event", p.Kind(), "error", err)
		c.enqueue(domain.PendingMessage{
			ID:        uuid.NewString(),
			EventName: string(p.Kind()),
			Payload:   payload,
			Attempts:  1,
		})
		return
	}
	c.logger.Debug("relay event published", "event", p.Kind())
}

func (c *Client) post(ctx context.Context, name events.Name, payload map[string]any) error {
	body := maps.Clone(payload)
	if body == nil {
		body = make(map[string]any)
	}
	body["timestamp"] = time.Now().UnixMilli()
	body["source"] = c.cfg.Instance

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+url.PathEscape(name.Slug()), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrRemoteUnavailable, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: relay returned %d", shared.ErrRemoteUnavailable, resp.StatusCode)
	}
	return nil
}

// Pending returns the persisted retry queue.
func (c *Client) Pending() ([]domain.PendingMessage, error) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.loadQueue()
}

func (c *Client) loadQueue() ([]domain.PendingMessage, error) {
	var queue []domain.PendingMessage
	if _, err := kv.GetJSON(c.store, kv.PendingMessagesKey, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (c *Client) saveQueue(queue []domain.PendingMessage) error {
	if len(queue) == 0 {
		return c.store.Delete(kv.PendingMessagesKey)
	}
	return kv.SetJSON(c.store, kv.PendingMessagesKey, queue)
}

func (c *Client) enqueue(msg domain.PendingMessage) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	queue, err := c.loadQueue()
	if err != nil {
		c.logger.Warn("retry queue unreadable, starting a new one", "error", err)
		queue = nil
	}
	queue = append(queue, msg)
	if err := c.saveQueue(queue); err != nil {
		c.logger.Error("failed to persist retry queue", "event", msg.EventName, "error", err)
	}
}

// RetryPending makes one pass over the retry queue. Delivered messages are
// removed; failed ones gain an attempt and are dropped once they reach
// domain.MaxPublishAttempts.
func (c *Client) RetryPending(ctx context.Context) {
	if !c.available {
		return
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	queue, err := c.loadQueue()
	if err != nil {
		c.logger.Error("failed to read retry queue", "error", err)
		return
	}
	if len(queue) == 0 {
		return
	}

	kept := make([]domain.PendingMessage, 0, len(queue))
	delivered := 0
	for _, msg := range queue {
		if ctx.Err() != nil {
			kept = append(kept, msg)
			continue
		}
		if msg.Exhausted() {
			c.dropExhausted(msg)
			continue
		}

		if err := c.post(ctx, events.Name(msg.EventName), msg.Payload); err == nil {
			delivered++
			continue
		}

		msg.Attempts++
		if msg.Exhausted() {
			c.dropExhausted(msg)
			continue
		}
		kept = append(kept, msg)
	}

	if err := c.saveQueue(kept); err != nil {
		c.logger.Error("failed to persist retry queue", "error", err)
	}
	c.logger.Debug("retry sweep complete", "delivered", delivered, "remaining", len(kept))
}

func (c *Client) dropExhausted(msg domain.PendingMessage) {
	c.logger.Warn("dropping relay event",
		"event", msg.EventName,
		"attempts", msg.Attempts,
		"error", shared.ErrRetryExhausted)
}

// Subscribe registers handler for inbound events named name.
func (c *Client) Subscribe(name events.Name, handler Handler) func() {
	c.subsMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[name] = append(c.subs[name], subscription{id: id, handler: handler})
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
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

// Poll fetches and dispatches the events waiting for this instance.
func (c *Client) Poll(ctx context.Context) error {
	if !c.available {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/events/"+url.PathEscape(c.cfg.Instance), nil)
	if err != nil {
		return fmt.Errorf("build poll request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrRemoteUnavailable, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: relay returned %d", shared.ErrRemoteUnavailable, resp.StatusCode)
	}

	var batch []WireEvent
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&batch); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}
	for _, ev := range batch {
		c.dispatch(ev)
	}
	return nil
}

func (c *Client) dispatch(ev WireEvent) {
	name, err := events.FromSlug(ev.Name)
	if err != nil {
		c.logger.Error("rejected inbound relay event", "event", ev.Name, "error", err)
		return
	}
	if source, _ := ev.Payload["source"].(string); source == c.cfg.Instance {
		c.logger.Debug("dropping self-echo", "event", name)
		return
	}
	p, err := events.DecodeMap(name, ev.Payload)
	if err != nil {
		c.logger.Error("rejected inbound relay event", "event", name, "error", err)
		return
	}

	c.subsMu.RLock()
	subs := append([]subscription(nil), c.subs[name]...)
	c.subsMu.RUnlock()

	for _, s := range subs {
		c.invoke(s, p)
	}
}

func (c *Client) invoke(s subscription, p events.Payload) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("relay subscriber failed", "event", p.Kind(), "error", fmt.Sprint(r))
		}
	}()
	s.handler(p)
}

// Start launches the retry sweep and the inbound loop. It does nothing when
// the relay was unavailable at boot.
func (c *Client) Start(ctx context.Context) {
	if !c.available {
		return
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.retryLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.inboundLoop(ctx)
	}()
}

// Close stops the background loops and waits for them to exit.
func (c *Client) Close() {
	c.runMu.Lock()
	cancel := c.cancel
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Client) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RetryPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) inboundLoop(ctx context.Context) {
	if c.cfg.PushEnabled {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("relay push stream unavailable, polling instead", "error", err)
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug("relay poll failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// stream reads pushed events until the connection drops or ctx ends.
func (c *Client) stream(ctx context.Context) error {
	wsURL := c.cfg.BaseURL + "/ws/events/" + url.PathEscape(c.cfg.Instance)
	wsURL = "ws" + strings.TrimPrefix(wsURL, "http")

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay stream: %w", err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}()
	conn.SetReadLimit(maxResponseBodySize)
	c.logger.Info("relay push stream connected")

	for {
		var ev WireEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return fmt.Errorf("read relay stream: %w", err)
		}
		c.dispatch(ev)
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseBodySize))
	_ = body.Close()
}
