// Package relay drives a single inbound request to a terminal outcome:
// select an entry, forward, and on failure rotate to the next entry until
// one succeeds or every entry has been tried. Attempts are bounded by the
// pool size and no entry is tried twice for the same request.
package relay

import (
	"context"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/keywheel/keywheel/internal/keypool"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/metrics"
	"github.com/keywheel/keywheel/internal/routing"
	"github.com/keywheel/keywheel/internal/upstream"
)

// ErrPoolExhausted reports that every eligible entry was tried (or none
// ever matched the model) and the request cannot be served.
var ErrPoolExhausted = errors.New("relay: no api key available for this model")

// Coordinator owns the per-request selection and failover loop. It is
// stateless across requests; all shared state lives in the pool.
type Coordinator struct {
	pool   *keypool.Pool
	router *routing.Router
	fwd    *upstream.Forwarder
	mtr    *metrics.Metrics
}

// New builds a coordinator over the given pool, router, and forwarder.
// The metrics handle may be nil in tests.
func New(pool *keypool.Pool, router *routing.Router, fwd *upstream.Forwarder, mtr *metrics.Metrics) *Coordinator {
	return &Coordinator{
		pool:   pool,
		router: router,
		fwd:    fwd,
		mtr:    mtr,
	}
}

// Relay forwards the request, failing over between entries until one
// produces a pass-through response. The returned response body is open;
// the caller owns it. After pool-size attempts without success it returns
// ErrPoolExhausted. A canceled inbound context aborts the loop
// immediately instead of burning the remaining entries.
func (c *Coordinator) Relay(ctx context.Context, req *upstream.Request) (*http.Response, error) {
	poolSize := c.pool.Size()
	excluding := make(map[int]bool, poolSize)
	attempt := 0

	for attempt < poolSize {
		if errCtx := ctx.Err(); errCtx != nil {
			return nil, errCtx
		}

		entry, ok := c.router.Select(req.Model, excluding)
		if !ok {
			// No eligible entry this round. Advancing still counts as an
			// attempt so an unmatched model terminates after at most
			// pool-size rounds.
			c.pool.Advance()
			attempt++
			continue
		}

		resp, errForward := c.fwd.Forward(ctx, entry, req)
		if errForward == nil {
			return resp, nil
		}

		excluding[entry.ID] = true
		attempt++
		c.mtr.RecordRotation()

		fields := log.Fields{
			"request_id": logging.GetRequestID(ctx),
			"model":      req.Model,
			"entry":      entry.RedactedSecret(),
			"attempt":    attempt,
			"pool_size":  poolSize,
		}
		if status, isStatus := upstream.StatusFromError(errForward); isStatus {
			fields["status"] = status
		} else {
			fields["error"] = errForward.Error()
		}
		log.WithFields(fields).Debug("relay: rotating to next entry")
	}

	c.mtr.RecordExhausted()
	log.WithFields(log.Fields{
		"request_id": logging.GetRequestID(ctx),
		"model":      req.Model,
		"attempts":   attempt,
	}).Warn("relay: all entries exhausted")
	return nil, ErrPoolExhausted
}
