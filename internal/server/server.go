// Package server exposes the HTTP surface: health, metrics, the run API and
// host webhooks.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/agent"
	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/dispatch"
	"github.com/drewdunne/codeloop/internal/event"
	"github.com/drewdunne/codeloop/internal/metrics"
	"github.com/drewdunne/codeloop/internal/orchestrator"
	"github.com/drewdunne/codeloop/internal/webhook"
)

// API runs loops and single agent passes.
type API interface {
	ProcessIssue(ctx context.Context, repoRef string, issue, startIteration int) (*orchestrator.Result, error)
	RunCodeAgent(ctx context.Context, repoRef string, issue, iteration, prNumber int) (*agent.CodeResult, error)
	RunReviewer(ctx context.Context, repoRef string, prNumber int, waitForCI bool) (*orchestrator.ReviewOutcome, error)
}

// Runs admits work and reports on it.
type Runs interface {
	Enqueue(key dispatch.Key, job dispatch.Job) error
	Run(ctx context.Context, key dispatch.Key, job dispatch.Job) error
	Active() int
	Queued() int
	Shutdown(ctx context.Context) error
}

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// Server is the HTTP server for codeloop.
type Server struct {
	cfg         *config.Config
	router      *chi.Mux
	logger      *zap.Logger
	api         API
	runs        Runs
	events      *event.Router
	dockerCheck func(ctx context.Context) error

	mu       sync.RWMutex
	http     *http.Server
	listener net.Listener
	ready    chan struct{} // closed once the listener is bound
}

// Option configures a Server.
type Option func(*Server)

// WithAPI serves the run API backed by api.
func WithAPI(api API) Option {
	return func(s *Server) {
		s.api = api
	}
}

// WithDispatcher admits API runs through runs and drains it on shutdown.
func WithDispatcher(runs Runs) Option {
	return func(s *Server) {
		s.runs = runs
	}
}

// WithEventRouter routes verified webhooks through r.
func WithEventRouter(r *event.Router) Option {
	return func(s *Server) {
		s.events = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithDockerCheck reports the container runtime in /health.
func WithDockerCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.dockerCheck = check
	}
}

// New creates a new Server with the given config.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: zap.NewNop(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/process-issue", s.handleProcessIssue)
		r.Post("/code-agent", s.handleCodeAgent)
		r.Post("/reviewer", s.handleReviewer)
	})

	if secret := s.cfg.Providers.GitHub.WebhookSecret; secret != "" {
		r.Method(http.MethodPost, "/webhook/github", webhook.NewGitHubHandler(secret, s.handleGitHubEvent))
	}
	if secret := s.cfg.Providers.GitLab.WebhookSecret; secret != "" {
		r.Method(http.MethodPost, "/webhook/gitlab", webhook.NewGitLabHandler(secret, s.handleGitLabEvent))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]any{}

	if s.dockerCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.dockerCheck(ctx)
		cancel()
		checks["docker"] = err == nil
		if err != nil {
			status = "degraded"
		}
	}
	if s.runs != nil {
		checks["active_runs"] = s.runs.Active()
		checks["queued_runs"] = s.runs.Queued()
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Checks: checks}, s.logger)
}

func (s *Server) handleGitHubEvent(ctx context.Context, ghEvent *webhook.GitHubEvent) error {
	log := s.logger.With(zap.String("provider", "github"), zap.String("event", ghEvent.EventType), zap.String("delivery", ghEvent.DeliveryID))
	if s.events == nil {
		log.Debug("no event router configured")
		return nil
	}
	evt, err := event.NormalizeGitHubEvent(ghEvent)
	return s.route(ctx, evt, err, log)
}

func (s *Server) handleGitLabEvent(ctx context.Context, glEvent *webhook.GitLabEvent) error {
	log := s.logger.With(zap.String("provider", "gitlab"), zap.String("event", glEvent.EventType))
	if s.events == nil {
		log.Debug("no event router configured")
		return nil
	}
	evt, err := event.NormalizeGitLabEvent(glEvent)
	return s.route(ctx, evt, err, log)
}

// route hands a normalized event on. Payloads that cannot start work are
// acknowledged so the host does not redeliver them.
func (s *Server) route(ctx context.Context, evt *event.Event, normErr error, log *zap.Logger) error {
	if errors.Is(normErr, event.ErrIgnored) {
		log.Debug("webhook ignored", zap.Error(normErr))
		return nil
	}
	if normErr != nil {
		log.Warn("normalizing webhook", zap.Error(normErr))
		return nil
	}
	if err := s.events.Route(ctx, evt); err != nil {
		log.Error("routing event", zap.Error(err))
		return err
	}
	return nil
}
