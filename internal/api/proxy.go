package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/relay"
	"github.com/keywheel/keywheel/internal/upstream"
)

// handleProxy is the catch-all entry point for proxied API calls. It
// validates the inbound request, extracts the model for routing, hands
// the request to the coordinator, and streams back whatever the selected
// upstream answered.
func (s *Server) handleProxy(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		writeError(c, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	maxBody := s.cfg.Server.MaxBodyBytes
	if c.Request.ContentLength > maxBody {
		writeError(c, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	body, errRead := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if errRead != nil {
		var maxErr *http.MaxBytesError
		if errors.As(errRead, &maxErr) {
			writeError(c, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if !gjson.ValidBytes(body) {
		writeError(c, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || model.Str == "" {
		writeError(c, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	b := s.currentBackend()
	if b == nil {
		writeError(c, http.StatusInternalServerError, "internal server error")
		return
	}

	// The caller gate key is for this proxy only; it never goes upstream.
	rawQuery := c.Request.URL.RawQuery
	if q := c.Request.URL.Query(); q.Has("key") {
		q.Del("key")
		rawQuery = q.Encode()
	}

	req := &upstream.Request{
		Method:   http.MethodPost,
		Path:     c.Request.URL.Path,
		RawQuery: rawQuery,
		Header:   c.Request.Header,
		Body:     body,
		Model:    model.Str,
	}

	resp, errRelay := b.Coordinator.Relay(c.Request.Context(), req)
	if errRelay != nil {
		switch {
		case errors.Is(errRelay, relay.ErrPoolExhausted):
			writeError(c, http.StatusInternalServerError, "No API key available for this model")
		case c.Request.Context().Err() != nil:
			// Caller went away; there is nobody to answer.
			c.Abort()
			return
		default:
			writeError(c, http.StatusInternalServerError, "internal server error")
		}
		s.mtr.ObserveRequest(model.Str, c.Writer.Status())
		return
	}
	defer resp.Body.Close()

	s.relayResponse(c, resp)
	s.mtr.ObserveRequest(model.Str, resp.StatusCode)
}

// relayResponse copies the upstream status, headers, and body to the
// caller, flushing after every chunk so streamed responses are delivered
// as they arrive.
func (s *Server) relayResponse(c *gin.Context, resp *http.Response) {
	header := c.Writer.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	if isEventStream(resp.Header) {
		// Keep reverse proxies from buffering the event stream.
		header.Set("X-Accel-Buffering", "no")
	}
	c.Status(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, errRead := resp.Body.Read(buf)
		if n > 0 {
			if _, errWrite := c.Writer.Write(buf[:n]); errWrite != nil {
				log.WithFields(log.Fields{
					"request_id": logging.GetRequestID(c.Request.Context()),
					"error":      errWrite.Error(),
				}).Debug("api: caller closed mid-stream")
				return
			}
			c.Writer.Flush()
		}
		if errRead != nil {
			if !errors.Is(errRead, io.EOF) {
				log.WithFields(log.Fields{
					"request_id": logging.GetRequestID(c.Request.Context()),
					"error":      errRead.Error(),
				}).Debug("api: upstream stream ended early")
			}
			return
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}
