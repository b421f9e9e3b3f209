package runner

import (
	"errors"
	"fmt"
)

// ErrToolFailed matches every *ToolError via errors.Is.
var ErrToolFailed = errors.New("external tool failed")

// ToolError reports a required invocation that exited non-zero.
type ToolError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Cmd, e.ExitCode)
}

func (e *ToolError) Is(target error) bool {
	return target == ErrToolFailed
}
