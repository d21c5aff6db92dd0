// Package session supervises the terminal multiplexer sessions agents run
// in: existence checks, idle tracking, literal keystroke injection with a
// copy-mode guard, hibernate/wake, and the activity status consumed by the
// status stream. Sessions are observed rather than managed; spawning the
// process inside a session is the caller's concern.
package session

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes multiplexer commands with a fixed argv. User-provided text
// only ever appears as a distinct argv element, never inside a shell string.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner shells out to the tmux binary.
type ExecRunner struct {
	Bin string
}

// NewExecRunner returns a Runner for the given tmux binary path ("tmux" when
// empty).
func NewExecRunner(bin string) *ExecRunner {
	if bin == "" {
		bin = "tmux"
	}
	return &ExecRunner{Bin: bin}
}

// Run executes one tmux invocation and returns trimmed stdout.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
