package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"strategy-engine/internal/events"
	"strategy-engine/internal/journal"
	"strategy-engine/internal/lifecycle"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/strategy"
)

// Lifecycle is the part of the lifecycle manager the API drives.
type Lifecycle interface {
	Transition(ctx context.Context, key strategy.Key, mode strategy.Mode) error
	Reset(ctx context.Context, key strategy.Key) error
	ChangeSymbol(ctx context.Context, key strategy.Key, symbol string) (strategy.Key, error)
	Status() []lifecycle.TaskStatus
	Running(key strategy.Key) bool
	LastError(key strategy.Key) string
}

// Records is the part of the configuration store the API reads and writes.
type Records interface {
	Strategies(ctx context.Context) ([]strategy.Config, error)
	Strategy(ctx context.Context, key strategy.Key) (strategy.Config, error)
	SetMode(ctx context.Context, key strategy.Key, mode strategy.Mode) error
}

// Server wires HTTP endpoints around the lifecycle manager and event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Manager   Lifecycle
	Store     Records
	Journal   *journal.Journal
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Version   string

	logger  zerolog.Logger
	limiter *ipLimiter
	started time.Time
}

// NewServer builds the router. metrics may be nil.
func NewServer(bus *events.Bus, manager Lifecycle, st Records, j *journal.Journal, metrics *monitor.SystemMetrics, jwtSecret, version string, logger zerolog.Logger) *Server {
	r := gin.New()
	s := &Server{
		Router:    r,
		Bus:       bus,
		Manager:   manager,
		Store:     st,
		Journal:   j,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Version:   version,
		logger:    logger.With().Str("component", "API").Logger(),
		limiter:   newIPLimiter(20, 50),
		started:   time.Now(),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.logger, metrics))
	r.Use(RateLimitMiddleware(s.limiter, s.logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.Router.Group("/api")
	api.GET("/health", s.health)

	protected := api.Group("")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		protected.GET("/metrics", s.getMetrics)
		protected.GET("/strategies", s.listStrategies)
		protected.PUT("/strategies/:name/:symbol/mode", s.setMode)
		protected.GET("/strategies/:name/:symbol/summary", s.getSummary)
		protected.POST("/strategies/:name/:symbol/reset", s.resetStrategy)
		protected.PUT("/strategies/:name/:symbol/symbol", s.changeSymbol)
	}

	ws := s.Router.Group("/ws")
	ws.Use(AuthMiddleware(s.JWTSecret))
	ws.GET("/events", s.websocket)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "METRICS_DISABLED", "error": "metrics not configured"})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
