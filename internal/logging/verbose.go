package logging

import (
	"os"
	"strings"
	"sync/atomic"
)

var verboseEnabled atomic.Bool

func init() {
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("KEYWHEEL_VERBOSE"))); env != "" {
		switch env {
		case "1", "true", "yes", "y", "on":
			verboseEnabled.Store(true)
		case "0", "false", "no", "n", "off":
			verboseEnabled.Store(false)
		}
	}
}

// VerboseEnabled returns whether verbose logging is enabled.
// This gates per-attempt body snippet capture in hot paths and forces
// debug level during Setup.
func VerboseEnabled() bool {
	return verboseEnabled.Load()
}

// SetVerboseEnabled updates the verbose logging toggle at runtime.
func SetVerboseEnabled(enabled bool) {
	verboseEnabled.Store(enabled)
}
