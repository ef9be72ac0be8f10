package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/johnku2011/spotify-playlist-export/internal/auth"
	"github.com/johnku2011/spotify-playlist-export/internal/export"
	"github.com/johnku2011/spotify-playlist-export/internal/logging"
)

// janitorInterval is how often expired sessions are purged.
const janitorInterval = 15 * time.Minute

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr     string
	OAuth    auth.ClientConfig
	TokenURL string

	// Catalog is the upstream API, normally a *spotify.Client.
	Catalog export.Catalog
	Workers int

	// Sessions defaults to an in-memory store.
	Sessions SessionManager
	// TokenHTTPClient is used for credential refreshes.
	TokenHTTPClient *http.Client
	// Health is checked by /healthz in addition to the process being up.
	Health func(ctx context.Context) error

	Logger *log.Logger
}

// Server is the HTTP server for the web application.
type Server struct {
	router   chi.Router
	server   *http.Server
	sessions SessionManager
	handlers *Handlers
	health   func(ctx context.Context) error
	logger   *log.Logger
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("web: catalog is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewSessionStore()
	}
	tokenHTTP := cfg.TokenHTTPClient
	if tokenHTTP == nil {
		tokenHTTP = &http.Client{Timeout: 30 * time.Second}
	}

	handlers := &Handlers{
		oauth:    auth.NewSpotifyAuth(cfg.OAuth),
		sessions: sessions,
		aggregator: export.NewAggregator(cfg.Catalog,
			export.WithWorkers(cfg.Workers),
			export.WithLogger(logger.WithPrefix("export")),
		),
		managers: newManagerRegistry(),
		managerCfg: auth.ManagerConfig{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.TokenURL,
		},
		tokenHTTP: tokenHTTP,
		logger:    logger,
		now:       time.Now,
	}

	s := &Server{
		router:   chi.NewRouter(),
		sessions: sessions,
		handlers: handlers,
		health:   cfg.Health,
		logger:   logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Large exports drain many pages before the first byte is written.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logging.Standard(s.logger.WithPrefix("http")),
		NoColor: true,
	}))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	h := s.handlers

	s.router.Get("/", h.Home)
	s.router.Get("/healthz", s.healthz)

	s.router.Get("/auth/login", h.Login)
	s.router.Get("/callback", h.Callback)
	s.router.Post("/auth/logout", h.Logout)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(h.RequireSession)
		r.Get("/playlists", h.Playlists)
		r.Get("/playlists/{id}/tracks", h.Tracks)
		r.Post("/export", h.Export)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Error("health check failed", "err", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

// sweep purges expired sessions and the credential managers they owned.
func (s *Server) sweep(ctx context.Context) {
	n, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		s.logger.Warn("purging expired sessions failed", "err", err)
	}
	pruned := s.handlers.managers.prune(ctx, s.sessions)
	if n > 0 || pruned > 0 {
		s.logger.Debug("purged sessions", "sessions", n, "managers", pruned)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", "http://"+s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("shutting down server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			s.logger.Info("server stopped")
			return nil
		}
	}
}
