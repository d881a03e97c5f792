// Package api exposes the REST and event-streaming surface. Handlers
// are thin adapters over the services; all validation and routing
// decisions live in the core packages.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/docpipe/docpipe/pkg/documents"
	"github.com/docpipe/docpipe/pkg/events"
	"github.com/docpipe/docpipe/pkg/log"
	"github.com/docpipe/docpipe/pkg/metrics"
	"github.com/docpipe/docpipe/pkg/plugin"
	"github.com/docpipe/docpipe/pkg/scheduler"
	"github.com/docpipe/docpipe/pkg/storage"
	"github.com/docpipe/docpipe/pkg/types"
	"github.com/docpipe/docpipe/pkg/workflow"
)

// Authenticator resolves an API token to a user.
type Authenticator interface {
	UserFromToken(token string) (*types.User, error)
}

// Config holds the HTTP surface knobs.
type Config struct {
	Addr           string
	MaxUploadBytes int64
	Version        string
}

// Server is the HTTP surface over the orchestrator services.
type Server struct {
	cfg      Config
	bus      *events.Bus
	store    storage.Store
	wf       *workflow.Service
	disp     *scheduler.Dispatcher
	docs     *documents.Service
	sources  *documents.SourceService
	registry *plugin.Registry
	loader   *plugin.Loader
	auth     Authenticator

	started    time.Time
	httpServer *http.Server
}

// NewServer wires the HTTP surface. loader may be nil when plugin
// enable/disable is not exposed.
func NewServer(cfg Config, bus *events.Bus, store storage.Store, wf *workflow.Service,
	disp *scheduler.Dispatcher, docs *documents.Service, sources *documents.SourceService,
	registry *plugin.Registry, loader *plugin.Loader, auth Authenticator) *Server {
	return &Server{
		cfg:      cfg,
		bus:      bus,
		store:    store,
		wf:       wf,
		disp:     disp,
		docs:     docs,
		sources:  sources,
		registry: registry,
		loader:   loader,
		auth:     auth,
		started:  time.Now(),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Source-scoped workflows
	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.handleListSources)
		r.Post("/", s.handleCreateSource)
		r.Delete("/{id}", s.handleDeleteSource)

		r.Route("/{id}/workflows/{type}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow(types.ScopeSource))
			r.Post("/steps", s.handleAppendStep(types.ScopeSource))
			r.Delete("/steps/{step_id}", s.handleDeleteStep)
			r.Put("/reorder", s.handleReorder(types.ScopeSource))
			r.Get("/available-plugins", s.handleAvailablePlugins(types.ScopeSource))
		})
	})

	// User-scoped workflow defaults; the scope id is the caller
	r.Route("/workflows/{type}", func(r chi.Router) {
		r.Get("/", s.handleGetWorkflow(types.ScopeUser))
		r.Post("/steps", s.handleAppendStep(types.ScopeUser))
		r.Delete("/steps/{step_id}", s.handleDeleteStep)
		r.Put("/reorder", s.handleReorder(types.ScopeUser))
		r.Get("/available-plugins", s.handleAvailablePlugins(types.ScopeUser))
	})

	r.Route("/documents", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/", s.handleListDocuments)
		r.Get("/{id}", s.handleGetDocument)
		r.Get("/{id}/jobs", s.handleListDocumentJobs)
		r.Delete("/{id}", s.handleDeleteDocument)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})

	r.Route("/events", func(r chi.Router) {
		r.Get("/stream", s.handleEventStream)
		r.Get("/recent", s.handleRecentEvents)
	})

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", s.handleListPlugins)
		r.Post("/{name}/enable", s.handleEnablePlugin)
		r.Post("/{name}/disable", s.handleDisablePlugin)
	})

	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithComponent("api").Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithComponent("api").Error().Err(err).Msg("http server failed")
		}
	}()
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.cfg.Version,
		"uptime_seconds": time.Since(s.started).Seconds(),
		"plugins_active": s.registry.ActiveCount(),
		"stream_clients": s.bus.ClientCount(),
	})
}

// countRequests feeds the request counter with the chi route pattern so
// path parameters do not explode label cardinality.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(ww.Status())).Inc()
	})
}
