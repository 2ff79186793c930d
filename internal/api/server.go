// Package api serves the latest headway tables over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bus-bunching/internal/common/db"
	"github.com/bus-bunching/internal/common/logger"
	"github.com/bus-bunching/internal/pipeline"
	"github.com/bus-bunching/internal/storage"
)

// HistoryStore answers score history queries.
type HistoryStore interface {
	LatestScores(ctx context.Context) ([]db.ScoreSnapshot, error)
	RouteHistory(ctx context.Context, routeID string, directionID int, since time.Time) ([]db.ScoreSnapshot, error)
}

// CycleStatus reports the most recent pipeline cycle.
type CycleStatus interface {
	LastRun() (*pipeline.CycleResult, error)
}

type Config struct {
	Addr    string
	SiteDir string
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg     Config
	tiers   storage.Tiers
	logger  logger.Logger
	history HistoryStore
	status  CycleStatus
	metrics http.Handler
	engine  *gin.Engine
}

type Option func(*Server)

func WithHistory(h HistoryStore) Option        { return func(s *Server) { s.history = h } }
func WithStatus(st CycleStatus) Option         { return func(s *Server) { s.status = st } }
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// New constructs a server with routes and middleware.
func New(cfg Config, tiers storage.Tiers, log logger.Logger, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	engine.Use(corsMiddleware())

	s := &Server{cfg: cfg, tiers: tiers, logger: log, engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.GET("/scores", s.handleScores)
		api.GET("/scores/:route/:direction", s.handleRouteScore)
		api.GET("/gaps/:route/:direction", s.handleRouteGaps)
		api.GET("/history", s.handleLatestHistory)
		api.GET("/history/:route/:direction", s.handleRouteHistory)
		api.GET("/trip", s.handleTrip)
	}

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	if s.cfg.SiteDir != "" {
		s.engine.NoRoute(gin.WrapH(http.FileServer(http.Dir(s.cfg.SiteDir))))
	}
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
