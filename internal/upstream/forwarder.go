// Package upstream issues outbound requests to selected credential
// entries and classifies each outcome: pass the response through, fail
// over to another entry, or report a transport failure. It never buffers
// success bodies; streaming responses are handed to the caller with the
// body still open.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/keypool"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/metrics"
)

// Attempt outcome labels recorded against the metrics registry.
const (
	outcomeSuccess        = "success"
	outcomeRetryable      = "retryable_status"
	outcomeTransport      = "transport_error"
	outcomeTransientRetry = "transient_retry"
)

// rotationStatusCodes are upstream statuses that fail the entry over to
// the next one instead of passing through to the caller.
var rotationStatusCodes = map[int]bool{
	http.StatusTooManyRequests: true, // 429
	http.StatusTeapot:          true, // 418, quota marker on some providers
	http.StatusBadGateway:      true, // 502
}

// transientStatusCodes additionally qualify for same-entry retries when
// rotation.request-retry is enabled. 503/504 on the final attempt pass
// through instead of rotating.
var transientStatusCodes = map[int]bool{
	http.StatusTooManyRequests:    true, // 429
	http.StatusTeapot:             true, // 418
	http.StatusBadGateway:         true, // 502
	http.StatusServiceUnavailable: true, // 503
	http.StatusGatewayTimeout:     true, // 504
}

// droppedInboundHeaders are never copied upstream: caller credentials,
// fields the transport manages itself, and hop-by-hop headers.
var droppedInboundHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-goog-api-key":      true,
	"host":                true,
	"content-length":      true,
	"accept-encoding":     true,
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"te":                  true,
	"trailer":             true,
}

// Request is the normalized inbound request replayed against upstream
// entries. The body is fully buffered by the gateway so every attempt
// sends identical bytes.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	Model    string
}

// statusErr carries an upstream HTTP status through the failover path.
type statusErr struct {
	code       int
	msg        string
	retryAfter *time.Duration
}

func (e statusErr) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("upstream status %d", e.code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.code, e.msg)
}

// StatusCode returns the upstream HTTP status behind the error.
func (e statusErr) StatusCode() int { return e.code }

// StatusFromError extracts the upstream status when err represents a
// rotation-worthy upstream response rather than a transport failure.
func StatusFromError(err error) (int, bool) {
	var se statusErr
	if errors.As(err, &se) {
		return se.code, true
	}
	return 0, false
}

// Forwarder sends inbound requests to upstream entries with bounded
// timeouts and optional same-entry retries on transient failures.
type Forwarder struct {
	cfg    *config.Config
	client *http.Client
	mtr    *metrics.Metrics
}

// NewForwarder builds a forwarder bound to the given configuration
// snapshot. The metrics handle may be nil in tests.
func NewForwarder(cfg *config.Config, mtr *metrics.Metrics) *Forwarder {
	return &Forwarder{
		cfg:    cfg,
		client: httpClient(cfg),
		mtr:    mtr,
	}
}

// Forward sends the request to the entry. When the response should reach
// the caller (2xx, terminal client errors, anything outside the rotation
// set) it returns the response with the body still open; the caller owns
// closing it. Rotation-set statuses and transport failures drain the
// attempt and return an error so the coordinator can fail over.
//
// With rotation.request-retry > 0, transient statuses (429/418/502/503/504)
// and transport errors are first retried against the same entry with
// exponential backoff, honoring a parseable Retry-After when shorter.
// Backoff waits abort as soon as ctx is canceled.
func (f *Forwarder) Forward(ctx context.Context, entry *keypool.Entry, req *Request) (*http.Response, error) {
	endpoint := strings.TrimSuffix(entry.BaseURL, "/") + req.Path
	if req.RawQuery != "" {
		endpoint += "?" + req.RawQuery
	}

	attempts := f.cfg.Rotation.RequestRetry + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		httpReq, errReq := http.NewRequestWithContext(ctx, req.Method, endpoint, bytes.NewReader(req.Body))
		if errReq != nil {
			return nil, fmt.Errorf("upstream: build request: %w", errReq)
		}
		copyForwardHeaders(httpReq.Header, req.Header)
		httpReq.Header.Set("Authorization", "Bearer "+entry.Secret)
		if logging.VerboseEnabled() {
			log.WithFields(log.Fields{
				"request_id": logging.GetRequestID(ctx),
				"endpoint":   endpoint,
				"headers":    logging.MaskHeaders(httpReq.Header),
			}).Debug("upstream: forwarding request")
		}

		resp, errDo := f.client.Do(httpReq)
		if errDo != nil {
			lastErr = fmt.Errorf("upstream: %s: %w", endpoint, errDo)
			f.mtr.ObserveAttempt(outcomeTransport, time.Since(start))
			log.WithFields(log.Fields{
				"request_id": logging.GetRequestID(ctx),
				"attempt":    attempt + 1,
				"duration":   time.Since(start).String(),
				"model":      req.Model,
				"entry":      entry.RedactedSecret(),
				"http_error": errDo.Error(),
			}).Warn("upstream: transport failure")
			if attempt < attempts-1 {
				if errWait := f.waitBeforeRetry(ctx, attempt, nil); errWait != nil {
					return nil, errWait
				}
				continue
			}
			return nil, lastErr
		}

		if transientStatusCodes[resp.StatusCode] && attempt < attempts-1 {
			data := readErrorBody(resp)
			f.mtr.ObserveAttempt(outcomeTransientRetry, time.Since(start))
			log.WithFields(log.Fields{
				"request_id": logging.GetRequestID(ctx),
				"attempt":    attempt + 1,
				"status":     resp.StatusCode,
				"duration":   time.Since(start).String(),
				"model":      req.Model,
				"entry":      entry.RedactedSecret(),
				"body":       logging.SanitizeBody(data),
			}).Info("upstream: transient status, retrying same entry")
			if errWait := f.waitBeforeRetry(ctx, attempt, resp.Header); errWait != nil {
				return nil, errWait
			}
			continue
		}

		if rotationStatusCodes[resp.StatusCode] {
			data := readErrorBody(resp)
			se := statusErr{code: resp.StatusCode, msg: logging.SanitizeBody(data)}
			if ra := parseRetryAfterHeader(resp.Header); ra != nil {
				se.retryAfter = ra
			}
			f.mtr.ObserveAttempt(outcomeRetryable, time.Since(start))
			log.WithFields(log.Fields{
				"request_id": logging.GetRequestID(ctx),
				"attempt":    attempt + 1,
				"status":     resp.StatusCode,
				"duration":   time.Since(start).String(),
				"model":      req.Model,
				"entry":      entry.RedactedSecret(),
				"body":       se.msg,
			}).Warn("upstream: retryable status, rotating")
			return nil, se
		}

		// Pass-through. The caller owns the body from here, including
		// non-retryable error statuses.
		f.mtr.ObserveAttempt(outcomeSuccess, time.Since(start))
		log.WithFields(log.Fields{
			"request_id": logging.GetRequestID(ctx),
			"attempt":    attempt + 1,
			"status":     resp.StatusCode,
			"duration":   time.Since(start).String(),
			"model":      req.Model,
			"entry":      entry.RedactedSecret(),
		}).Debug("upstream: forwarded")
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("upstream: no attempt performed")
	}
	return nil, lastErr
}

// waitBeforeRetry sleeps the backoff for the given attempt, preferring a
// shorter parseable Retry-After from the failed response.
func (f *Forwarder) waitBeforeRetry(ctx context.Context, attempt int, h http.Header) error {
	wait := f.backoffDuration(attempt)
	if ra := parseRetryAfterHeader(h); ra != nil {
		wait = minPositiveDuration(wait, *ra)
	}
	log.WithFields(log.Fields{
		"attempt": attempt + 1,
		"backoff": wait.String(),
	}).Debug("upstream: waiting before retry")
	return waitForDuration(ctx, wait)
}

// backoffDuration doubles the initial backoff per completed attempt,
// capped at the configured maximum.
func (f *Forwarder) backoffDuration(attempt int) time.Duration {
	wait := f.cfg.RetryInitialBackoff()
	maxWait := f.cfg.RetryMaxBackoff()
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= maxWait {
			return maxWait
		}
	}
	if wait > maxWait {
		return maxWait
	}
	return wait
}

// copyForwardHeaders copies inbound headers upstream, skipping caller
// credentials and hop-by-hop fields.
func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if droppedInboundHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func waitForDuration(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfterHeader(h http.Header) *time.Duration {
	if h == nil {
		return nil
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return nil
	}
	// Retry-After can be seconds or an HTTP-date, but we only support seconds here.
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			seconds = 0
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}
	return nil
}

func minPositiveDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
