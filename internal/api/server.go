// Package api implements the inbound HTTP surface: the catch-all proxy
// endpoint, liveness, the model listing, and the middleware chain
// (request IDs, access logging, CORS, the optional caller key gate).
// Responses from upstream pass through byte-identical with per-chunk
// flushing; errors the proxy emits itself are small JSON bodies.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/keypool"
	"github.com/keywheel/keywheel/internal/metrics"
	"github.com/keywheel/keywheel/internal/registry"
	"github.com/keywheel/keywheel/internal/relay"
)

// Backend bundles the components rebuilt on each configuration load. The
// gateway reads the current backend once per request, so a reload swap
// never tears an in-flight request.
type Backend struct {
	Coordinator *relay.Coordinator
	Catalog     *registry.Catalog
	Pool        *keypool.Pool
}

// Server is the inbound HTTP listener. Construction wires routes and
// middleware; SwapBackend installs the components requests dispatch to.
type Server struct {
	cfg     *config.Config
	mtr     *metrics.Metrics
	backend atomic.Pointer[Backend]
	engine  *gin.Engine
	httpSrv *http.Server
}

// New builds the server for the given configuration snapshot. A backend
// must be swapped in before traffic is served.
func New(cfg *config.Config, mtr *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, mtr: mtr}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(accessLogMiddleware())
	engine.Use(corsMiddleware())
	engine.Use(s.callerKeyGate())

	engine.GET("/health", s.handleHealth)
	engine.GET("/v1/models", s.handleModels)
	engine.NoRoute(s.handleProxy)

	s.engine = engine
	return s
}

// SwapBackend atomically installs a new backend. In-flight requests keep
// the backend they started with.
func (s *Server) SwapBackend(b *Backend) {
	s.backend.Store(b)
}

func (s *Server) currentBackend() *Backend {
	return s.backend.Load()
}

// Handler exposes the routing engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the listener and blocks until the server stops. A graceful
// Shutdown is not reported as an error.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Server.Bind,
		Handler: s.engine,
	}
	log.WithFields(log.Fields{
		"bind": s.cfg.Server.Bind,
	}).Info("api: proxy listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth is the liveness endpoint. It never touches the pool.
func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// handleModels lists the distinct model names claimed by the configured
// entries.
func (s *Server) handleModels(c *gin.Context) {
	b := s.currentBackend()
	if b == nil {
		writeError(c, http.StatusInternalServerError, "internal server error")
		return
	}
	c.JSON(http.StatusOK, b.Catalog.List())
}
