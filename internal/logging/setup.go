// Package logging configures the process-wide logger and provides the
// redaction helpers used wherever credentials or upstream payloads could
// leak into log output.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures logrus from the logging section of the configuration.
// When file is non-empty, output goes to stdout and a size-rotated file;
// otherwise stdout only. The VERBOSE toggle (see verbose.go) forces debug
// level regardless of the configured level.
func Setup(level, file string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = log.InfoLevel
	}
	if VerboseEnabled() {
		parsed = log.DebugLevel
	}
	log.SetLevel(parsed)

	if strings.TrimSpace(file) == "" {
		log.SetOutput(os.Stdout)
		return
	}
	roller := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, roller))
}
