// Package sys holds the build context shared by every stage: the logger and
// the runner with its elevation policy.
package sys

import (
	"io"
	"log/slog"
	"os"

	"github.com/maxdollinger/gcearch/pkg/runner"
)

type System struct {
	logger *slog.Logger
	runner runner.Runner
}

type Option func(*System)

func WithLogger(logger *slog.Logger) Option {
	return func(s *System) {
		s.logger = logger
	}
}

func WithRunner(r runner.Runner) Option {
	return func(s *System) {
		s.runner = r
	}
}

// NewSystem returns a System logging to slog.Default and running commands
// through runner.Exec unless overridden.
func NewSystem(opts ...Option) *System {
	s := &System{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		s.runner = runner.NewExec(runner.WithLogger(s.logger))
	}
	return s
}

func (s *System) Logger() *slog.Logger {
	return s.logger
}

func (s *System) Runner() runner.Runner {
	return s.runner
}

// NewLogger builds the process logger. quiet wins over verbose.
func NewLogger(quiet, verbose bool) *slog.Logger {
	return newLogger(os.Stderr, quiet, verbose)
}

func newLogger(w io.Writer, quiet, verbose bool) *slog.Logger {
	if quiet {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
