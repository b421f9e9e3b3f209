// Package mock provides a recording Runner for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/maxdollinger/gcearch/pkg/runner"
)

// Call is a recorded invocation.
type Call struct {
	Cmd        runner.Cmd
	Privileged bool
}

func (c Call) String() string {
	return c.Cmd.String()
}

// Handler produces the Result for a matching command.
type Handler func(cmd runner.Cmd) runner.Result

type handler struct {
	prefix []string
	fn     Handler
}

// Runner records every command and answers from registered handlers. Commands
// without a handler succeed with empty output. Like runner.Exec, a command
// issued on a cancelled context never runs: it is not recorded and fails with
// runner.ExitFailure.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers []handler
}

func NewRunner() *Runner {
	return &Runner{}
}

// On registers fn for every command whose argv starts with prefix. Later
// registrations take precedence.
func (r *Runner) On(fn Handler, prefix ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append([]handler{{prefix: prefix, fn: fn}}, r.handlers...)
}

// Return registers a fixed result for commands starting with prefix.
func (r *Runner) Return(result runner.Result, prefix ...string) {
	r.On(func(runner.Cmd) runner.Result { return result }, prefix...)
}

func (r *Runner) Run(ctx context.Context, cmd runner.Cmd) runner.Result {
	return r.record(ctx, cmd, false)
}

func (r *Runner) Sudo(ctx context.Context, cmd runner.Cmd) runner.Result {
	return r.record(ctx, cmd, true)
}

func (r *Runner) record(ctx context.Context, cmd runner.Cmd, privileged bool) runner.Result {
	if ctx.Err() != nil {
		return runner.Result{ExitCode: runner.ExitFailure}
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Cmd: cmd, Privileged: privileged})
	var fn Handler
	for _, h := range r.handlers {
		if hasPrefix(cmd.Args, h.prefix) {
			fn = h.fn
			break
		}
	}
	r.mu.Unlock()

	if fn == nil {
		return runner.Result{}
	}
	return fn(cmd)
}

// Calls returns every recorded invocation in order.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call{}, r.calls...)
}

// CallsTo returns the recorded invocations whose argv starts with prefix.
func (r *Runner) CallsTo(prefix ...string) []Call {
	var matched []Call
	for _, c := range r.Calls() {
		if hasPrefix(c.Cmd.Args, prefix) {
			matched = append(matched, c)
		}
	}
	return matched
}

// Commands returns the recorded argv joined by spaces.
func (r *Runner) Commands() []string {
	calls := r.Calls()
	cmds := make([]string, len(calls))
	for i, c := range calls {
		cmds[i] = strings.Join(c.Cmd.Args, " ")
	}
	return cmds
}

func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func hasPrefix(args, prefix []string) bool {
	if len(prefix) > len(args) {
		return false
	}
	for i, p := range prefix {
		if args[i] != p {
			return false
		}
	}
	return true
}
