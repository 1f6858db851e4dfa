// Package cmd assembles the proxy service: configuration, logging,
// metrics, the rotation backend, the latency prober, the config watcher,
// and the HTTP listeners, tied together with signal-driven shutdown.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/keywheel/keywheel/internal/api"
	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/keypool"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/metrics"
	"github.com/keywheel/keywheel/internal/probe"
	"github.com/keywheel/keywheel/internal/registry"
	"github.com/keywheel/keywheel/internal/relay"
	"github.com/keywheel/keywheel/internal/routing"
	"github.com/keywheel/keywheel/internal/upstream"
	"github.com/keywheel/keywheel/internal/watcher"
)

// Options carries the command-line overrides for Run.
type Options struct {
	// ConfigPath is the YAML configuration file. The file may be absent;
	// key fallbacks then apply.
	ConfigPath string

	// Bind overrides server.bind from the config file when non-empty.
	Bind string
}

// Run boots the proxy and blocks until SIGINT/SIGTERM or a listener
// failure. Configuration changes on disk rebuild the rotation backend in
// place; listener addresses and logging settings need a restart.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Bind != "" {
		cfg.Server.Bind = opts.Bind
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.File)

	var mtr *metrics.Metrics
	if cfg.Metrics.Enabled {
		mtr = metrics.New()
	}

	srv := api.New(cfg, mtr)
	backend, err := buildBackend(cfg, mtr)
	if err != nil {
		return err
	}
	srv.SwapBackend(backend)

	log.WithFields(log.Fields{
		"keys":     len(cfg.Keys),
		"models":   len(backend.Catalog.Models()),
		"strategy": cfg.RotationStrategy(),
	}).Info("loaded upstream key pool")

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := &service{configPath: opts.ConfigPath, mtr: mtr, srv: srv}
	svc.startProbe(runCtx, cfg, backend.Pool)
	defer svc.stopProbe()

	if w, errWatch := watcher.New(opts.ConfigPath, 0, func() { svc.reload(runCtx) }); errWatch != nil {
		log.WithError(errWatch).Warn("config watcher unavailable, hot reload disabled")
	} else {
		go w.Run(runCtx)
	}

	var metricsSrv *http.Server
	if mtr != nil {
		metricsSrv = serveMetrics(cfg.Metrics.Bind, mtr)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run() }()

	select {
	case err = <-serveErr:
		if err != nil {
			return fmt.Errorf("cmd: serve: %w", err)
		}
		return nil
	case <-runCtx.Done():
	}

	log.Info("shutdown signal received, draining in-flight requests")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if errShutdown := srv.Shutdown(drainCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("graceful shutdown incomplete")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(drainCtx)
	}
	log.Info("shutdown complete")
	return nil
}

// service holds the pieces the reload path replaces or restarts.
type service struct {
	configPath string
	mtr        *metrics.Metrics
	srv        *api.Server

	mu        sync.Mutex
	probeStop context.CancelFunc
}

// reload re-reads the config file and swaps in a backend built from it.
// A config that fails to load or validate leaves the running backend
// untouched.
func (s *service) reload(ctx context.Context) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		log.WithError(err).Error("config reload failed, keeping previous configuration")
		return
	}
	backend, err := buildBackend(cfg, s.mtr)
	if err != nil {
		log.WithError(err).Error("config reload failed, keeping previous configuration")
		return
	}
	s.srv.SwapBackend(backend)
	s.startProbe(ctx, cfg, backend.Pool)
	log.WithFields(log.Fields{
		"keys":     len(cfg.Keys),
		"strategy": cfg.RotationStrategy(),
	}).Info("configuration reloaded")
}

// startProbe replaces the running prober with one bound to the given
// pool. The previous prober is canceled first so rounds never overlap
// across reloads.
func (s *service) startProbe(parent context.Context, cfg *config.Config, pool *keypool.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probeStop != nil {
		s.probeStop()
	}
	probeCtx, cancel := context.WithCancel(parent)
	s.probeStop = cancel
	go probe.New(cfg, pool).Run(probeCtx)
}

func (s *service) stopProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probeStop != nil {
		s.probeStop()
		s.probeStop = nil
	}
}

// buildBackend constructs the rotation components from a config snapshot.
func buildBackend(cfg *config.Config, mtr *metrics.Metrics) (*api.Backend, error) {
	pool, err := keypool.New(keypool.BuildEntries(cfg.Keys))
	if err != nil {
		return nil, err
	}
	router := routing.New(pool, cfg.RotationStrategy())
	fwd := upstream.NewForwarder(cfg, mtr)
	mtr.SetPoolSize(pool.Size())
	return &api.Backend{
		Coordinator: relay.New(pool, router, fwd, mtr),
		Catalog:     registry.NewCatalog(cfg.Keys),
		Pool:        pool,
	}, nil
}

// serveMetrics starts the Prometheus exposition listener on its own
// address so scrapes never contend with proxy traffic.
func serveMetrics(bind string, mtr *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mtr.Handler())
	srv := &http.Server{Addr: bind, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics listener failed")
		}
	}()
	log.WithField("bind", bind).Info("metrics listening")
	return srv
}
