// Package api serves the read-only dashboard surface over the aggregated
// tables. Every request is answered by a fresh read-through query; there is
// no shared in-memory dataset to go stale.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kzaytsev/frostview/internal/config"
	"github.com/kzaytsev/frostview/internal/store"
)

// Reader is the query surface the handlers need.
type Reader interface {
	ListLocations(ctx context.Context) ([]store.Location, error)
	ListThings(ctx context.Context) ([]store.Thing, error)
	ListProperties(ctx context.Context) ([]store.ObservedProperty, error)
	ListDatastreams(ctx context.Context) ([]store.Datastream, error)
	HourlySeries(ctx context.Context, q store.HourlyQuery) ([]store.HourlyObservation, error)
	LatestByLocation(ctx context.Context, locationID int64) ([]store.LatestAtLocation, error)
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg    config.API
	reader Reader
	engine *gin.Engine
	log    zerolog.Logger
}

// New constructs a server with routes and middleware.
func New(cfg config.API, reader Reader, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	if cfg.BearerToken != "" {
		engine.Use(bearerAuthMiddleware(cfg.BearerToken))
	}

	server := &Server{
		cfg:    cfg,
		reader: reader,
		engine: engine,
		log:    log.With().Str("component", "api").Logger(),
	}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
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
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1")
	v1.GET("/locations", s.handleListLocations)
	v1.GET("/things", s.handleListThings)
	v1.GET("/observed-properties", s.handleListProperties)
	v1.GET("/datastreams", s.handleListDatastreams)
	v1.GET("/datastreams/:datastream_id/hourly", s.handleHourlySeries)
	v1.GET("/locations/:location_id/latest", s.handleLatestByLocation)
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
