package controlapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/rules"
)

// EventSink accepts validated events for dispatch. Implemented by the bus.
type EventSink interface {
	Emit(ctx context.Context, evt event.Event) error
}

// ProgressService exposes the engine operations the API serves. Implemented
// by the engine; an interface so handler tests can stub it.
type ProgressService interface {
	GetProgress(ctx context.Context, userID, missionID string) (*engine.Progress, error)
	Claim(ctx context.Context, userID, missionID string) (*engine.Progress, error)
	ResetProgress(ctx context.Context, userID, missionID string) (*engine.Progress, error)
}

// MissionSet exposes the live mission snapshot. Implemented by the registry.
type MissionSet interface {
	Missions() []*rules.Mission
}

// API is the main struct that holds dependencies and the router for the
// control plane. It follows the Dependency Injection pattern to facilitate
// testing.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	events   EventSink
	progress ProgressService
	missions MissionSet

	// apiKeyHash is the SHA-256 hash (hex) of the valid API key.
	apiKeyHash string

	// skipAuth disables authentication when true (test/dev environments only).
	skipAuth bool
}

// NewAPI creates a new API instance with authentication enabled.
// The apiKeyHash parameter must be the SHA-256 hash of the API key.
func NewAPI(events EventSink, progress ProgressService, missions MissionSet, apiKeyHash string) *API {
	return NewAPIWithConfig(events, progress, missions, apiKeyHash, false)
}

// NewAPIWithConfig creates a new API instance with explicit control over
// authentication. Primarily used in tests to disable auth.
//
// Panics if any dependency is nil, or if apiKeyHash is empty while skipAuth
// is false.
func NewAPIWithConfig(events EventSink, progress ProgressService, missions MissionSet, apiKeyHash string, skipAuth bool) *API {
	if events == nil {
		panic("controlapi: event sink cannot be nil")
	}
	if progress == nil {
		panic("controlapi: progress service cannot be nil")
	}
	if missions == nil {
		panic("controlapi: mission set cannot be nil")
	}
	if !skipAuth && apiKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		events:     events,
		progress:   progress,
		missions:   missions,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// Global middleware stack.
	// RequestID: adds a unique ID to each request context (essential for tracing).
	a.Router.Use(middleware.RequestID)
	// RealIP: correctly sets the IP if behind a proxy/LB.
	a.Router.Use(middleware.RealIP)
	// Logger: logs request method, path, status, and duration.
	a.Router.Use(RequestLogger)
	// Recoverer: prevents the server from crashing on panics, returning 500 instead.
	a.Router.Use(middleware.Recoverer)
	// Content-Type: forces JSON content type for API responses.
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// Public routes (no authentication required).
	a.Router.Get("/health", a.handleHealthCheck)

	// Protected API v1 routes.
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Post("/events", a.handleSubmitEvent)

		r.Route("/missions", func(r chi.Router) {
			r.Get("/", a.handleListMissions)
			r.Post("/validate", a.handleValidateMission)
		})

		r.Route("/progress/{userID}/{missionID}", func(r chi.Router) {
			r.Get("/", a.handleGetProgress)
			r.Delete("/", a.handleResetProgress)
			r.Post("/claim", a.handleClaim)
		})
	})
}

// handleHealthCheck reports HTTP serving capability. Deep dependency checks
// live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
