package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/study-federation/internal/config"
	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/relay"
)

const streamWriteTimeout = 10 * time.Second

// RelayHandler serves the relay endpoints on top of a relay.Hub.
type RelayHandler struct {
	hub            *relay.Hub
	originPatterns []string
	logger         *slog.Logger
}

// NewRelayHandler creates a relay handler. originPatterns is passed to the
// websocket origin check.
func NewRelayHandler(hub *relay.Hub, originPatterns []string, logger *slog.Logger) *RelayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{hub: hub, originPatterns: originPatterns, logger: logger}
}

// RegisterRoutes registers relay routes.
func (h *RelayHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/events/{instance}", h.Poll)
	r.Get("/ws/events/{instance}", h.Stream)
	r.Post("/{event}", h.Publish)
}

// Publish accepts one event and fans it out to every known instance.
func (h *RelayHandler) Publish(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "event")
	name, err := events.FromSlug(slug)
	if err != nil {
		Error(w, http.StatusNotFound, "unknown event")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := events.DecodeMap(name, body); err != nil {
		h.logger.Warn("rejected relay event", "event", name, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	source, _ := body["source"].(string)
	delivered := h.hub.Publish(relay.WireEvent{Name: name.Slug(), Payload: body})
	h.logger.Debug("relay event accepted", "event", name, "source", source, "delivered", delivered)

	JSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

// Poll returns and clears the events waiting for an instance.
func (h *RelayHandler) Poll(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "instance")
	if !config.ValidInstanceName(instance) {
		Error(w, http.StatusBadRequest, "invalid instance name")
		return
	}
	JSON(w, http.StatusOK, h.hub.Drain(instance))
}

// Stream pushes events for an instance over a websocket until either side
// closes it.
func (h *RelayHandler) Stream(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "instance")
	if !config.ValidInstanceName(instance) {
		Error(w, http.StatusBadRequest, "invalid instance name")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "instance", instance, "error", err)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("websocket close", "instance", instance, "error", closeErr)
		}
	}()

	backlog, ch, cancel := h.hub.Subscribe(instance, 0)
	defer cancel()

	// The relay never reads from subscribers; CloseRead handles control frames.
	ctx := conn.CloseRead(r.Context())
	h.logger.Info("relay stream opened", "instance", instance, "backlog", len(backlog))

	for _, ev := range backlog {
		if err := h.write(ctx, conn, ev); err != nil {
			return
		}
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				h.logger.Warn("relay stream fell behind, closing it", "instance", instance)
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("relay stream write failed", "instance", instance, "error", err)
				return
			}
		case <-ctx.Done():
			h.logger.Info("relay stream closed", "instance", instance)
			return
		}
	}
}

func (h *RelayHandler) write(ctx context.Context, conn *websocket.Conn, ev relay.WireEvent) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
