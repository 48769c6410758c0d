// Package server exposes the mirror over HTTP: escrow reads, purchase
// co-signing, product analytics, and the realtime WebSocket feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goghmarket/goghd/internal/analytics"
	"github.com/goghmarket/goghd/internal/config"
	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/metrics"
	"github.com/goghmarket/goghd/internal/realtime"
	"github.com/goghmarket/goghd/internal/signing"
)

// Server is the HTTP front of the mirror service.
type Server struct {
	cfg      *config.Config
	store    docstore.Store
	signer   *signing.Service
	recorder *analytics.Recorder
	hub      *realtime.Hub
	logger   *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// New wires the HTTP server. hub may be nil to disable the WebSocket feed.
func New(cfg *config.Config, store docstore.Store, signer *signing.Service, recorder *analytics.Recorder, hub *realtime.Hub, logger *slog.Logger) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		signer:   signer,
		recorder: recorder,
		hub:      hub,
		logger:   logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(metrics.Middleware())
	engine.Use(s.requestLogger())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", metrics.Handler())

	v1 := engine.Group("/v1")
	{
		v1.GET("/escrows/:id", s.handleGetEscrow)
		v1.GET("/escrows/:id/logs", s.handleGetEscrowLogs)
		v1.POST("/purchases/sign", s.handleSignPurchase)
		v1.GET("/products/:id/analytics", s.handleGetAnalytics)
		if hub != nil {
			v1.GET("/ws", func(c *gin.Context) {
				hub.ServeWS(c.Writer, c.Request)
			})
		}
	}

	s.engine = engine
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Skip the scrape endpoint; it fires every few seconds.
		if c.FullPath() == "/metrics" {
			return
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
