package logging

import (
	"net/http"
	"regexp"
	"strings"
)

const redactedPlaceholder = "***"

// RedactSecret returns a loggable form of a credential: a short prefix
// followed by "***". Secrets at or below eight runes are fully masked so
// the prefix never reveals most of the value.
func RedactSecret(secret string) string {
	runes := []rune(strings.TrimSpace(secret))
	if len(runes) == 0 {
		return ""
	}
	if len(runes) <= 8 {
		return redactedPlaceholder
	}
	return string(runes[:6]) + redactedPlaceholder
}

var sensitiveHeaderNames = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-goog-api-key":      true,
	"cookie":              true,
	"set-cookie":          true,
}

// MaskHeaderValue masks values of credential-bearing headers and returns
// other header values untouched. Bearer prefixes survive so the scheme
// stays visible in logs.
func MaskHeaderValue(name, value string) string {
	if !sensitiveHeaderNames[strings.ToLower(strings.TrimSpace(name))] {
		return value
	}
	if bearer, ok := strings.CutPrefix(value, "Bearer "); ok {
		return "Bearer " + RedactSecret(bearer)
	}
	return RedactSecret(value)
}

// MaskHeaders renders a header map with sensitive values masked, for
// attaching to structured log fields.
func MaskHeaders(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = MaskHeaderValue(name, h.Get(name))
	}
	return out
}

// Patterns that flag secret material embedded in response bodies.
var sensitiveBodyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(["']?(?:api[_-]?key|secret[_-]?key|access[_-]?key|auth[_-]?token|bearer)["']?\s*[:=]\s*["']?)([a-zA-Z0-9_.-]{8,})(["']?)`),
	regexp.MustCompile(`(?i)(["']?(?:token|credential|password|secret)["']?\s*[:=]\s*["']?)([a-zA-Z0-9_+/=-]{16,})(["']?)`),
}

// SanitizeBody masks secret-shaped values inside a body snippet before it
// is logged, preserving the surrounding structure.
func SanitizeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	result := string(body)
	for _, pattern := range sensitiveBodyPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			if len(sub) >= 4 {
				return sub[1] + RedactSecret(sub[2]) + sub[3]
			}
			return match
		})
	}
	return result
}
