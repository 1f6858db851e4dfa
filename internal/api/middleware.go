package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/keywheel/keywheel/internal/logging"
)

// writeError renders the proxy's own JSON error shape and stops the
// handler chain. Upstream error bodies never go through here; they pass
// through verbatim.
func writeError(c *gin.Context, status int, message string) {
	body, _ := sjson.SetBytes([]byte(`{}`), "error", message)
	c.Data(status, "application/json", body)
	c.Abort()
}

// requestIDMiddleware tags every request with an ID, honoring one the
// caller already sent.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// accessLogMiddleware writes one structured line per completed request.
// Health checks log at debug so probes do not flood the output.
func accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": logging.GetRequestID(c.Request.Context()),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		})
		if c.Request.URL.Path == "/health" {
			entry.Debug("api: request complete")
			return
		}
		entry.Info("api: request complete")
	}
}

// corsMiddleware answers preflights with 204 and marks every response
// permissive. Preflights short-circuit before method filtering.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			// Allow whatever the client asked for by default.
			if headers := c.Request.Header.Get("Access-Control-Request-Headers"); headers != "" {
				c.Header("Access-Control-Allow-Headers", headers)
			} else {
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, X-Requested-With, X-Api-Key")
			}
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// callerKeyGate rejects requests without a configured caller key. An
// empty api-keys list leaves the proxy open; /health is never gated.
func (s *Server) callerKeyGate() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.APIKeys))
	for _, k := range s.cfg.APIKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = true
		}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		if !allowed[extractCallerKey(c)] {
			writeError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

// extractCallerKey pulls the caller's key from the Authorization bearer,
// the X-Api-Key header, or the key query parameter, in that order.
func extractCallerKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if k := c.GetHeader("X-Api-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	return strings.TrimSpace(c.Query("key"))
}
