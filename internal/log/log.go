// Package log configures the process-wide logrus logger.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/dissect/internal/config"
)

const (
	defaultPattern = "%time [%level] %field %msg%n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&formatter{pattern: defaultPattern, time: defaultTime})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// GetLogger returns the root entry.
func GetLogger() *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return logrus.NewEntry(logger)
}

// WithComponent returns an entry tagged with the component name.
func WithComponent(name string) *logrus.Entry {
	return GetLogger().WithField("component", name)
}

// Init replaces the global logger according to cfg. Output always goes to
// stderr, plus a rotated file when enabled.
func Init(cfg config.LogConfig) error {
	l, err := build(cfg, os.Stderr)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

func build(cfg config.LogConfig, stderr io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeOr(cfg.Time)})
	case "text", "":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = defaultPattern
		}
		if strings.Contains(pattern, "%caller") || strings.Contains(pattern, "%func") {
			l.SetReportCaller(true)
		}
		l.SetFormatter(&formatter{pattern: pattern, time: timeOr(cfg.Time)})
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	out := NewMultiWriter().Add(stderr)
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return nil, fmt.Errorf("file output requires 'path' field")
		}
		out.AddFileAppender(cfg.Outputs.File)
	}
	l.SetOutput(out)
	return l, nil
}

func timeOr(layout string) string {
	if layout == "" {
		return defaultTime
	}
	return layout
}
