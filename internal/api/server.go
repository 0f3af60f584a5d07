// Package api is the HTTP boundary: operator accounts, searches and stored
// profiles over JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/FranksOps/prospector/internal/auth"
	"github.com/FranksOps/prospector/internal/cache"
	"github.com/FranksOps/prospector/internal/pipeline"
	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/FranksOps/prospector/internal/api")

// Searcher runs one search to completion.
type Searcher interface {
	Run(ctx context.Context, criteria profile.SearchCriteria) (*pipeline.Result, error)
}

// ProfileStore reads stored profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*profile.Record, error)
	QueryProfiles(ctx context.Context, filter storage.Filter) ([]*profile.Record, error)
}

// Config tunes the server.
type Config struct {
	Addr        string
	CORSOrigins []string
	// RunTimeout bounds one search, waiting for the session included.
	RunTimeout time.Duration
	// CacheBackend labels cache metrics.
	CacheBackend string
	Version      string
	Logger       *slog.Logger
}

// Server wires the routes onto a gin engine.
type Server struct {
	cfg        Config
	auth       *auth.Service
	search     Searcher
	profiles   ProfileStore
	cache      cache.Profiles
	logger     *slog.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// New builds the router. A nil cache reads straight from the store.
func New(authSvc *auth.Service, search Searcher, profiles ProfileStore, c cache.Profiles, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "none"
	}
	if c == nil {
		c = cache.Nop{}
	}

	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		auth:     authSvc,
		search:   search,
		profiles: profiles,
		cache:    c,
		logger:   cfg.Logger.With("component", "api"),
		router:   router,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Use(gin.Recovery(), requestID(), traced(), s.accessLog())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.POST("/register", s.register)
	s.router.POST("/login", s.login)

	protected := s.router.Group("/api", s.auth.Middleware())
	protected.POST("/search-profiles", s.searchProfiles)
	protected.GET("/profile/:id", s.getProfile)
	protected.GET("/profiles", s.listProfiles)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until Shutdown, after which it returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends. It may be called before ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("api shutdown completed")
	return nil
}
