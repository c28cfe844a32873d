package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/sse"
)

// RouterConfig controls authentication and request defaults.
type RouterConfig struct {
	// AuthEnabled requires a Bearer token matching Token.
	AuthEnabled bool
	Token       string
	// OwnerID is the owner every authenticated request acts as.
	OwnerID string
	// GraphThreshold is used when a graph request has no threshold parameter.
	GraphThreshold float64
}

// NewRouter creates a chi router with all API routes mounted.
// events, if non-nil, is served at GET /events behind the same auth.
func NewRouter(svc *docservice.Service, events *sse.Broker, cfg RouterConfig) chi.Router {
	h := NewHandler(svc, events, cfg.GraphThreshold)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(cfg.AuthEnabled, cfg.Token, cfg.OwnerID))

	r.Post("/chat", h.Chat)
	r.Post("/ingest", h.Ingest)

	r.Get("/documents", h.ListDocuments)
	r.Get("/documents/{id}", h.GetDocument)
	r.Delete("/documents/{id}", h.DeleteDocument)

	r.Get("/graph", h.Graph)

	if events != nil {
		r.Get("/events", h.Events)
	}

	return r
}
