package sysbus

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Runner executes an external tool and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ToolError is returned when a tool exits unsuccessfully. Its message is the
// tool's own output so it can be reported as the failure reason verbatim.
type ToolError struct {
	Command string
	Output  string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	return e.Command + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ExitCode returns the tool's exit status, or -1 if it did not run.
func (e *ToolError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func run(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	out, err := r.Run(ctx, name, args...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, &ToolError{
			Command: name + " " + strings.Join(args, " "),
			Output:  output,
			Err:     err,
		}
	}
	return output, nil
}
