package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/study-federation/internal/handshake"
	"github.com/ashureev/study-federation/internal/middleware"
)

// AuthRequestPath is where a host instance answers its embedded modules.
const AuthRequestPath = "/api/v1/auth/request"

// AuthHandler serves the host side of the parent-child auth channel.
type AuthHandler struct {
	responder *handshake.Responder
	logger    *slog.Logger
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(responder *handshake.Responder, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{responder: responder, logger: logger}
}

// RegisterRoutes registers auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post(AuthRequestPath, h.Request)
}

// Request answers one REQUEST_AUTH_STATE message.
func (h *AuthHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req handshake.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, ok := h.responder.Handle(req)
	if !ok {
		Error(w, http.StatusBadRequest, "unsupported message type")
		return
	}
	h.logger.Debug("answered auth request", "has_user", resp.User != nil)
	JSON(w, http.StatusOK, resp)
}

// NewHostRouter builds the router an instance serves to its embedded
// modules.
func NewHostRouter(responder *handshake.Responder, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins))

	NewAuthHandler(responder, logger).RegisterRoutes(r)
	return r
}
