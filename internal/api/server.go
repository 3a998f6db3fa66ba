// Package api is the admin HTTP surface: agent lifecycle controls and
// read-only views over the published control-plane snapshots.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/controlplane"
	"github.com/signalplane/signalplane/internal/store"
)

// SchedulerControl is the lifecycle surface exposed over HTTP.
type SchedulerControl interface {
	Start(name string, force bool) error
	Stop(name string) error
	RunNow(name string) error
	States() map[string]string
}

// SnapshotSource serves the published control-plane view.
type SnapshotSource interface {
	CurrentSnapshot() controlplane.Snapshot
}

// AgentStore reads and flips persistent agent state.
type AgentStore interface {
	GetAllAgentStatuses(ctx context.Context) ([]*store.AgentStatus, error)
	SetAgentEnabled(ctx context.Context, name string, enabled bool) error
}

// Config contains server configuration.
type Config struct {
	Host      string
	Port      int
	Scheduler SchedulerControl
	Snapshots SnapshotSource
	Agents    AgentStore
}

// Server is the admin REST server.
type Server struct {
	router    *gin.Engine
	addr      string
	server    *http.Server
	scheduler SchedulerControl
	snapshots SnapshotSource
	agents    AgentStore
	log       zerolog.Logger
}

// NewServer creates the admin server.
func NewServer(cfg Config, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		scheduler: cfg.Scheduler,
		snapshots: cfg.Snapshots,
		agents:    cfg.Agents,
		log:       logger.With().Str("component", "admin_api").Logger(),
	}
	router.Use(s.loggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.GET("", s.handleListAgents)
			agents.POST("/:name/start", s.handleStartAgent)
			agents.POST("/:name/stop", s.handleStopAgent)
			agents.POST("/:name/run", s.handleRunAgent)
		}
		v1.GET("/snapshot", s.handleSnapshot)
		v1.GET("/allocator", s.handleAllocator)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting admin API server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Admin API server error")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// loggerMiddleware logs one line per request.
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	}
}
