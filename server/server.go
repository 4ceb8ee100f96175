// Package server exposes the styling service over HTTP (chi) and MCP.
// Both transports decode into the same operations on the Service.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/rahul-biswakarma/portal-chrome-sub002/idgen"
	"github.com/rahul-biswakarma/portal-chrome-sub002/observability"
	"github.com/rahul-biswakarma/portal-chrome-sub002/refine"
)

// Surface is the page-attachment contract the HTTP layer needs on top of the
// refinement capabilities: opening, closing, and inspecting the active tab.
type Surface interface {
	Open(ctx context.Context, pageURL string) error
	Close() error
	Active() bool
	URL() string

	refine.Capturer
	refine.Introspector
	refine.Applier
	RemoveCSS(ctx context.Context) error
}

// Deps wires a Service.
type Deps struct {
	Controller *refine.Controller
	Surface    Surface

	// Audit and Runs are optional; nil disables persistence.
	Audit *observability.AuditLogger
	Runs  *observability.RunRecorder

	NewID         idgen.Generator
	MaxIterations int
	// AuthTokenHash is the bcrypt hash of the required bearer token.
	// Empty disables auth.
	AuthTokenHash string
	Logger        *slog.Logger
}

// RunStatus is the externally visible state of a refinement run.
type RunStatus struct {
	RunID      string               `json:"run_id"`
	SessionID  string               `json:"session_id"`
	PageURL    string               `json:"page_url,omitempty"`
	Intent     string               `json:"intent,omitempty"`
	State      refine.TerminalState `json:"state"`
	Result     *refine.Result       `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Service is the transport-facing application layer.
type Service struct {
	deps   Deps
	logger *slog.Logger

	mu   sync.RWMutex
	runs map[string]*RunStatus

	// baseCtx is the lifetime context for background runs, detached from
	// the HTTP request that started them.
	baseCtx context.Context
}

// New creates a Service. ctx bounds background refinement runs; cancel it on
// shutdown to stop in-flight loops.
func New(ctx context.Context, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = idgen.Prefixed("sess_", idgen.Default)
	}
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = refine.DefaultMaxIterations
	}
	return &Service{
		deps:    deps,
		logger:  deps.Logger,
		runs:    make(map[string]*RunStatus),
		baseCtx: ctx,
	}
}

// RegisterHTTP mounts all routes on the router. /healthz stays outside the
// auth boundary.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(api chi.Router) {
		if s.deps.AuthTokenHash != "" {
			api.Use(BearerAuth(s.deps.AuthTokenHash))
		}

		api.Post("/surface", s.handleOpenSurface)
		api.Delete("/surface", s.handleCloseSurface)
		api.Get("/surface", s.handleSurfaceStatus)

		api.Post("/refine", s.handleStartRefine)
		api.Get("/refine/{id}", s.handleRefineStatus)

		api.Post("/generate", s.handleGenerate)

		api.Get("/css", s.handleGetCSS)
		api.Post("/css", s.handleApplyCSS)
		api.Delete("/css", s.handleRemoveCSS)

		api.Get("/classtree", s.handleClassTree)
		api.Get("/screenshot", s.handleScreenshot)
	})
}

// getRun returns a copy of the run's current status, nil when unknown. A copy
// because the background goroutine keeps mutating the stored value.
func (s *Service) getRun(id string) *RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.runs[id]
	if st == nil {
		return nil
	}
	cp := *st
	if st.Result != nil {
		r := *st.Result
		cp.Result = &r
	}
	return &cp
}

func (s *Service) putRun(st *RunStatus) {
	s.mu.Lock()
	s.runs[st.RunID] = st
	s.mu.Unlock()
}
