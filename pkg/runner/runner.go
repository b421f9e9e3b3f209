// Package runner executes external tools for the image build.
//
// A Runner never returns an error. Every invocation yields a Result carrying
// the exit code and, when requested, the captured streams. Callers decide
// whether a non-zero exit matters by inspecting the Result or by converting it
// with Result.Err.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// ExitFailure is returned as exit code when a process could not be started or
// when the invocation was interrupted.
const ExitFailure = 1

// Cmd describes a single external invocation.
type Cmd struct {
	Args    []string          // argv, Args[0] is the tool
	Dir     string            // working directory, empty for the current one
	Capture bool              // capture stdout and stderr instead of inheriting them
	Shell   bool              // run the joined Args through /bin/sh -c
	Env     map[string]string // merged over the host environment
	NoWait  bool              // start and return immediately
	Stdin   io.Reader
}

// Command is a shorthand for a plain Cmd without options.
func Command(args ...string) Cmd {
	return Cmd{Args: args}
}

// Output is a shorthand for a Cmd capturing its output.
func Output(args ...string) Cmd {
	return Cmd{Args: args, Capture: true}
}

func (c Cmd) String() string {
	return strings.Join(c.Args, " ")
}

// Result is the status tuple of an invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Err converts a failed Result into a *ToolError. It returns nil on success.
func (r Result) Err(cmd Cmd) error {
	if r.Success() {
		return nil
	}
	return &ToolError{Cmd: cmd.String(), ExitCode: r.ExitCode, Stderr: strings.TrimSpace(r.Stderr)}
}

// Runner runs external tools.
type Runner interface {
	// Run executes cmd with the current privileges.
	Run(ctx context.Context, cmd Cmd) Result
	// Sudo executes cmd with elevated rights.
	Sudo(ctx context.Context, cmd Cmd) Result
}

// Exec is the Runner backed by os/exec.
type Exec struct {
	elevate []string
	isRoot  func() bool
	logger  *slog.Logger
}

type Option func(*Exec)

// WithElevation sets the command prefix used by Sudo, "sudo" by default.
func WithElevation(prefix ...string) Option {
	return func(e *Exec) {
		e.elevate = prefix
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exec) {
		e.logger = logger
	}
}

// WithRootCheck replaces the effective uid check used by Sudo.
func WithRootCheck(isRoot func() bool) Option {
	return func(e *Exec) {
		e.isRoot = isRoot
	}
}

func NewExec(opts ...Option) *Exec {
	e := &Exec{
		elevate: []string{"sudo"},
		isRoot:  func() bool { return unix.Geteuid() == 0 },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sudo prefixes cmd with the elevation mechanism unless the process already
// runs as root.
func (e *Exec) Sudo(ctx context.Context, cmd Cmd) Result {
	if !e.isRoot() && len(e.elevate) > 0 {
		cmd.Args = append(append([]string{}, e.elevate...), cmd.Args...)
	}
	return e.Run(ctx, cmd)
}

func (e *Exec) Run(ctx context.Context, cmd Cmd) Result {
	e.logger.DebugContext(ctx, "run", "cmd", cmd.String(), "dir", cmd.Dir)

	if len(cmd.Args) == 0 {
		e.logger.ErrorContext(ctx, "run: empty command")
		return Result{ExitCode: ExitFailure}
	}
	if ctx.Err() != nil {
		return Result{ExitCode: ExitFailure}
	}

	args := cmd.Args
	if cmd.Shell {
		args = []string{"/bin/sh", "-c", strings.Join(cmd.Args, " ")}
	}

	proc := exec.CommandContext(ctx, args[0], args[1:]...)
	proc.Dir = cmd.Dir
	proc.Stdin = cmd.Stdin
	if len(cmd.Env) > 0 {
		proc.Env = mergeEnv(os.Environ(), cmd.Env)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Capture {
		proc.Stdout = &stdout
		proc.Stderr = &stderr
	} else {
		proc.Stdout = os.Stdout
		proc.Stderr = os.Stderr
	}

	if err := proc.Start(); err != nil {
		e.logger.ErrorContext(ctx, "could not start process",
			"cmd", cmd.String(),
			"kind", errorKind(err),
			"error", err)
		return Result{ExitCode: ExitFailure}
	}

	if cmd.NoWait {
		go func() { _ = proc.Wait() }()
		return Result{}
	}

	err := proc.Wait()
	if ctx.Err() != nil {
		e.logger.WarnContext(ctx, "process interrupted", "cmd", cmd.String())
		return Result{ExitCode: ExitFailure}
	}

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.Capture && result.Stdout != "" {
		e.logger.DebugContext(ctx, "output", "cmd", cmd.String(), "stdout", result.Stdout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode < 0 {
				// terminated by a signal
				result.ExitCode = ExitFailure
			}
			return result
		}
		e.logger.ErrorContext(ctx, "process failed",
			"cmd", cmd.String(),
			"kind", errorKind(err),
			"error", err)
		return Result{ExitCode: ExitFailure}
	}

	return result
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for key, value := range overrides {
		env = append(env, key+"="+value)
	}
	return env
}

func errorKind(err error) string {
	var execErr *exec.Error
	var pathErr *os.PathError
	switch {
	case errors.As(err, &execErr):
		return "exec"
	case errors.As(err, &pathErr):
		return "path"
	default:
		return "unknown"
	}
}
