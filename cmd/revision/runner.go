package revision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// ErrCommandFailed is returned when an external command exits unsuccessfully
var ErrCommandFailed = errors.New("command failed")

// Runner executes an external command in dir and returns its combined output
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	Env    []string // appended to the process environment
	Logger *slog.Logger
}

// NewExecRunner creates a runner that logs commands at debug level
func NewExecRunner(logger *slog.Logger, env ...string) *ExecRunner {
	return &ExecRunner{Env: env, Logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	if r.Logger != nil {
		r.Logger.Debug(fmt.Sprintf("Command: %s", strings.Join(cmd.Args, " ")))
	}

	// CombinedOutput keeps dbt's interleaved log lines in order
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%w: %s %s: %v\noutput: %s", ErrCommandFailed, name, strings.Join(args, " "), err, string(output))
	}
	return output, nil
}
