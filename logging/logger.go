// Package logging builds the zerolog loggers used by orb processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/najoast/orb/config"
)

// New builds a logger from cfg. The returned closer releases the output
// file, if any.
func New(app string, cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		closer.Close()
		return zerolog.Nop(), nil, err
	}

	var w io.Writer = out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !cfg.Color,
		}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	for k, v := range cfg.Fields {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger(), closer, nil
}

// Init builds a logger from cfg and installs it as the global logger.
func Init(app string, cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	logger, closer, err := New(app, cfg)
	if err != nil {
		return logger, nil, err
	}
	log.Logger = logger
	return logger, closer, nil
}

// ParseLevel maps a configured level to zerolog. An empty level is info.
func ParseLevel(level config.LogLevel) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	if !level.IsValid() {
		return zerolog.NoLevel, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, level)
	}
	return zerolog.ParseLevel(string(level))
}

// Component derives a logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}
