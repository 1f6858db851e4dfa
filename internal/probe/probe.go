// Package probe measures upstream reachability in the background and
// keeps the pool ordered by observed latency. Each round issues one HEAD
// request per entry, concurrently, and then reorders the pool in a single
// swap so requests never see a torn view.
package probe

import (
	"context"
	"time"

	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/keypool"
)

// Prober runs the periodic latency measurement loop.
type Prober struct {
	pool     *keypool.Pool
	client   *req.Client
	interval time.Duration
	timeout  time.Duration
}

// New builds a prober bound to the given pool. The probe client carries
// its own timeout and never retries; a failed HEAD marks the entry
// unreachable until the next round.
func New(cfg *config.Config, pool *keypool.Pool) *Prober {
	client := req.C().
		EnableAutoDecompress().
		SetTimeout(cfg.ProbeTimeout()).
		SetCommonRetryCount(0)
	if cfg.ProxyURL != "" {
		client.SetProxyURL(cfg.ProxyURL)
	}
	return &Prober{
		pool:     pool,
		client:   client,
		interval: cfg.ProbeInterval(),
		timeout:  cfg.ProbeTimeout(),
	}
}

// Run probes immediately, then every interval until ctx is canceled.
// Rounds never overlap; a slow round delays the next tick.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 {
		log.Debug("probe: disabled")
		return
	}

	log.WithFields(log.Fields{
		"interval": p.interval.String(),
		"timeout":  p.timeout.String(),
	}).Info("probe: latency prober started")

	p.RunOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("probe: stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce measures every entry concurrently and reorders the pool by the
// results. Unreachable entries keep the sentinel latency and sort last.
func (p *Prober) RunOnce(ctx context.Context) {
	entries := p.pool.Entries()
	if len(entries) == 0 {
		return
	}

	start := time.Now()
	results := make([]time.Duration, len(entries))

	g := new(errgroup.Group)
	for i, entry := range entries {
		g.Go(func() error {
			results[i] = p.probeOne(ctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	measurements := make(map[int]time.Duration, len(entries))
	reachable := 0
	for i, entry := range entries {
		measurements[entry.ID] = results[i]
		if results[i] != keypool.LatencyUnreachable {
			reachable++
		}
	}
	p.pool.ReorderByLatency(measurements)

	log.WithFields(log.Fields{
		"entries":   len(entries),
		"reachable": reachable,
		"duration":  time.Since(start).String(),
	}).Debug("probe: round complete")
}

// probeOne issues a single HEAD request against the entry's base URL. Any
// HTTP response counts as reachable; only transport failures and timeouts
// return the unreachable sentinel.
func (p *Prober) probeOne(ctx context.Context, entry *keypool.Entry) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.R().SetContext(probeCtx).Head(entry.BaseURL)
	latency := time.Since(start)
	if err != nil {
		log.WithFields(log.Fields{
			"entry":    entry.RedactedSecret(),
			"base_url": entry.BaseURL,
			"error":    err.Error(),
		}).Debug("probe: unreachable")
		return keypool.LatencyUnreachable
	}

	log.WithFields(log.Fields{
		"entry":    entry.RedactedSecret(),
		"base_url": entry.BaseURL,
		"status":   resp.StatusCode,
		"latency":  latency.String(),
	}).Debug("probe: measured")
	return latency
}
