package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/study-federation/internal/middleware"
	"github.com/ashureev/study-federation/internal/relay"
)

// NewRouter builds the relay server's router.
func NewRouter(hub *relay.Hub, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins))

	NewRelayHandler(hub, allowedOrigins, logger).RegisterRoutes(r)
	return r
}
