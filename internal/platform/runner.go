package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds any single tool invocation whose caller did
// not supply a tighter deadline.
const DefaultCommandTimeout = 10 * time.Second

// Runner abstracts shell command execution.
type Runner interface {
	// Run executes name with args and returns combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// RunInput is Run with input piped to stdin.
	RunInput(ctx context.Context, input string, name string, args ...string) ([]byte, error)
}

// ExecRunner executes real commands via os/exec.
type ExecRunner struct {
	// Timeout applies when ctx carries no deadline. Zero means DefaultCommandTimeout.
	Timeout time.Duration
}

// DefaultRunner is the runner used when a manager is built without one.
var DefaultRunner Runner = &ExecRunner{}

// Run executes a command and returns its combined output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.run(ctx, "", name, args...)
}

// RunInput executes a command with input via stdin.
func (r *ExecRunner) RunInput(ctx context.Context, input string, name string, args ...string) ([]byte, error) {
	return r.run(ctx, input, name, args...)
}

func (r *ExecRunner) run(ctx context.Context, input string, name string, args ...string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := r.Timeout
		if timeout == 0 {
			timeout = DefaultCommandTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, classify(ctx, commandLine(name, args), out, err)
	}
	return out, nil
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// classify turns an exec failure into the taxonomy.
func classify(ctx context.Context, command string, out []byte, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg := "cancelled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			msg = "timed out"
		}
		return &CommandError{Command: command, Message: msg, Timeout: errors.Is(ctxErr, context.DeadlineExceeded), Err: ctxErr}
	}

	text := strings.TrimSpace(string(out))
	if isPermissionText(text) {
		return &CommandError{Command: command, Message: text, Err: fmt.Errorf("%w: %v", ErrPermissionDenied, err)}
	}
	if text == "" {
		text = err.Error()
	}
	return &CommandError{Command: command, Message: text, Err: err}
}

func isPermissionText(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "must be root")
}

// WithDeadline runs fn under a timeout and converts an expired deadline into
// a CommandError naming stage, even when fn returned a bare context error.
func WithDeadline(ctx context.Context, timeout time.Duration, stage string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &CommandError{
			Command: stage,
			Message: fmt.Sprintf("timed out after %s", timeout),
			Timeout: true,
			Err:     err,
		}
	}
	return err
}
