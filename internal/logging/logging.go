// Package logging builds the process logger.
//
// Interactive commands own the terminal, so they log to a rotating file.
// Line-oriented commands log to stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 5
	maxLogBackups = 3
	maxLogAgeDays = 14
)

type Options struct {
	// Level is a logrus level name. Empty means info.
	Level string

	// File enables rotating file output. Ignored when Writer is set.
	File string

	// Writer receives log lines directly, e.g. stderr.
	Writer io.Writer

	JSON bool
}

// New returns a configured logger and a closer for its output.
func New(opts Options) (*log.Logger, io.Closer, error) {
	level := log.InfoLevel
	if name := strings.TrimSpace(opts.Level); name != "" {
		parsed, err := log.ParseLevel(name)
		if err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", name, err)
		}
		level = parsed
	}

	logger := log.New()
	logger.SetLevel(level)
	if opts.JSON {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			DisableColors:   opts.Writer == nil,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	switch {
	case opts.Writer != nil:
		logger.SetOutput(opts.Writer)
		return logger, nopCloser{}, nil
	case strings.TrimSpace(opts.File) != "":
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
		}
		logger.SetOutput(rotator)
		return logger, rotator, nil
	default:
		logger.SetOutput(io.Discard)
		return logger, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
