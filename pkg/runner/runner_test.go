package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestExec(opts ...Option) *Exec {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExec(append([]Option{WithLogger(logger)}, opts...)...)
}

func TestRunExitCode(t *testing.T) {
	r := newTestExec()

	result := r.Run(context.Background(), Cmd{
		Args:    []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
		Capture: true,
	})

	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "out\n")
	}
	if result.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want %q", result.Stderr, "err\n")
	}
	if result.Success() {
		t.Error("Success() = true for exit code 3")
	}
}

func TestRunInterrupted(t *testing.T) {
	r := newTestExec()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := r.Run(ctx, Cmd{Args: []string{"sleep", "5"}, Capture: true})

	want := Result{ExitCode: 1}
	if result != want {
		t.Errorf("Run() = %+v, want %+v", result, want)
	}
}

func TestRunAlreadyCancelled(t *testing.T) {
	r := newTestExec()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Run(ctx, Output("echo", "hello"))
	if result != (Result{ExitCode: 1}) {
		t.Errorf("Run() = %+v, want exit 1 with empty output", result)
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := newTestExec()

	result := r.Run(context.Background(), Output("/nonexistent/gcearch-tool"))
	if result != (Result{ExitCode: 1}) {
		t.Errorf("Run() = %+v, want exit 1 with empty output", result)
	}
}

func TestRunEnvOverrides(t *testing.T) {
	t.Setenv("GCEARCH_HOST_ONLY", "host")
	t.Setenv("GCEARCH_OVERRIDDEN", "host")
	r := newTestExec()

	result := r.Run(context.Background(), Cmd{
		Args:    []string{"sh", "-c", "echo $GCEARCH_HOST_ONLY $GCEARCH_OVERRIDDEN $GCEARCH_NEW"},
		Capture: true,
		Env: map[string]string{
			"GCEARCH_OVERRIDDEN": "child",
			"GCEARCH_NEW":        "new",
		},
	})

	if got := strings.TrimSpace(result.Stdout); got != "host child new" {
		t.Errorf("Stdout = %q, want %q", got, "host child new")
	}
}

func TestRunShellAndDir(t *testing.T) {
	dir := t.TempDir()
	r := newTestExec()

	result := r.Run(context.Background(), Cmd{
		Args:    []string{"pwd", "&&", "echo", "a", "|", "tr", "a", "b"},
		Dir:     dir,
		Shell:   true,
		Capture: true,
	})

	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output %q", result.Stdout)
	}
	if lines[1] != "b" {
		t.Errorf("pipe output = %q, want %q", lines[1], "b")
	}
}

func TestRunStdin(t *testing.T) {
	r := newTestExec()

	result := r.Run(context.Background(), Cmd{
		Args:    []string{"cat"},
		Stdin:   strings.NewReader("user:secret\n"),
		Capture: true,
	})
	if result.Stdout != "user:secret\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
}

func TestRunNoWait(t *testing.T) {
	r := newTestExec()

	start := time.Now()
	result := r.Run(context.Background(), Cmd{Args: []string{"sleep", "2"}, NoWait: true})
	if time.Since(start) > time.Second {
		t.Error("NoWait invocation blocked")
	}
	if result != (Result{}) {
		t.Errorf("Run() = %+v, want zero result", result)
	}
}

func TestSudoPrefix(t *testing.T) {
	tests := []struct {
		name   string
		isRoot bool
		want   string
	}{
		{name: "unprivileged process is elevated", isRoot: false, want: "elevate echo hi\n"},
		{name: "root process runs directly", isRoot: true, want: "hi\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestExec(
				WithElevation("echo", "elevate"),
				WithRootCheck(func() bool { return tt.isRoot }),
			)

			result := r.Sudo(context.Background(), Output("echo", "hi"))
			if result.Stdout != tt.want {
				t.Errorf("Stdout = %q, want %q", result.Stdout, tt.want)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	cmd := Output("kpartx", "-a", "disk.raw")

	if err := (Result{}).Err(cmd); err != nil {
		t.Errorf("Err() on success = %v", err)
	}

	err := Result{ExitCode: 2, Stderr: "no such device\n"}.Err(cmd)
	if !errors.Is(err, ErrToolFailed) {
		t.Fatalf("Err() = %v, want ErrToolFailed", err)
	}
	if want := "kpartx -a disk.raw: exit status 2: no such device"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2", "C"}, map[string]string{"B": "3"})

	joined := strings.Join(env, ",")
	if !strings.Contains(joined, "A=1") || !strings.Contains(joined, "B=3") || strings.Contains(joined, "B=2") {
		t.Errorf("mergeEnv() = %v", env)
	}
	if len(env) != 3 {
		t.Errorf("len(mergeEnv()) = %d, want 3", len(env))
	}
}
