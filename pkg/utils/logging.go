package utils

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	"github.com/dustin/go-humanize"
)

// LogLevel represents the logging level
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// ParseBytes parses a human-readable byte string such as "512MiB" or "4G".
func ParseBytes(s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty size")
	}
	return humanize.ParseBytes(s)
}

// StdLogger returns a *log.Logger whose lines are emitted through sl at the given level.
// Libraries that only accept the standard logger (go-fuse) write through it.
func StdLogger(sl *StructuredLogger, level LogLevel) *log.Logger {
	return log.New(&lineWriter{logger: sl, level: level}, "", 0)
}

type lineWriter struct {
	logger *StructuredLogger
	level  LogLevel
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.logger.log(w.level, string(line), nil)
	}
	return len(p), nil
}
