// Package worker serves the prompt engine over HTTP.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/storyprompt/internal/config"
	gormdb "github.com/thebtf/storyprompt/internal/db/gorm"
	"github.com/thebtf/storyprompt/internal/lifecycle"
	"github.com/thebtf/storyprompt/internal/worker/sse"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// Components are the collaborators the service routes requests to.
type Components struct {
	Store       *gormdb.Store
	Stories     *gormdb.StoryStore
	Profiles    *gormdb.ProfileStore
	Runs        *gormdb.MilestoneStore
	Manager     *lifecycle.Manager
	Pipeline    *lifecycle.Pipeline
	Broadcaster *sse.Broadcaster
}

// Service is the HTTP front of the prompt engine.
type Service struct {
	startTime      time.Time
	ctx            context.Context
	config         *config.Config
	store          *gormdb.Store
	storyStore     *gormdb.StoryStore
	profileStore   *gormdb.ProfileStore
	runStore       *gormdb.MilestoneStore
	manager        *lifecycle.Manager
	pipeline       *lifecycle.Pipeline
	sseBroadcaster *sse.Broadcaster
	router         chi.Router
	server         *http.Server
	cancel         context.CancelFunc
	version        string
	ready          atomic.Bool
}

// NewService builds the service and its routes. It reports not ready until
// Start is called.
func NewService(version string, cfg *config.Config, c Components) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		version:        version,
		config:         cfg,
		store:          c.Store,
		storyStore:     c.Stories,
		profileStore:   c.Profiles,
		runStore:       c.Runs,
		manager:        c.Manager,
		pipeline:       c.Pipeline,
		sseBroadcaster: c.Broadcaster,
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
	svc.setupRoutes()
	return svc
}

// Handler returns the service router.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.requireReady)

		r.Post("/stories", s.handleSaveStory)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/prompts", s.handleListPrompts)
			r.Get("/prompts/history", s.handleHistory)
			r.Post("/prompts/starters", s.handleSeedStarters)
			r.Put("/prompts/queue", s.handleReorderQueue)
			r.Post("/prompts/shown", s.handleMarkShown)
			r.Post("/prompts/{promptID}/queue", s.handleQueuePrompt)
			r.Post("/prompts/{promptID}/dismiss", s.handleDismissPrompt)
			r.Post("/prompts/{promptID}/use", s.handleUsePrompt)
			r.Delete("/prompts/{promptID}", s.handleDeletePrompt)
			r.Get("/profile", s.handleGetProfile)
			r.Get("/milestones", s.handleMilestones)
			r.Put("/entitlement", s.handleSetEntitlement)
			r.Get("/events", s.handleEvents)
		})
	})
}

// requireReady rejects API calls until the service has started.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on the configured port and serves until ctx is cancelled,
// then shuts the server down gracefully.
func (s *Service) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.ready.Store(true)
	log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("HTTP service listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.ready.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.ready.Store(false)
	// Request contexts derive from s.ctx; cancelling it ends open event streams.
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	log.Info().Msg("HTTP service stopped")
	return nil
}
