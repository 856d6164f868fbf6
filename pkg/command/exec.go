package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/cuemby/nexus-proxy/pkg/log"
)

// DefaultTimeout bounds every external command
const DefaultTimeout = 2 * time.Minute

// Error is returned when a command exits non-zero or cannot be started
type Error struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("command %q failed", strings.Join(e.Args, " "))
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Runner executes an external command and waits for it
type Runner interface {
	Run(ctx context.Context, args []string) error
}

// ExecRunner runs commands on the host
type ExecRunner struct {
	// Timeout is the maximum run time of one command (default: 2 minutes)
	Timeout time.Duration
}

// NewExecRunner creates a runner with the default timeout
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: DefaultTimeout}
}

// Run executes args[0] with the remaining arguments. A non-zero exit yields
// an *Error carrying the exit code and trimmed stderr.
func (r *ExecRunner) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command specified")
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, args[0], args[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	logger := log.WithComponent("command")
	logger.Debug().
		Strs("args", args).
		Dur("duration", time.Since(start)).
		Str("stdout", truncate(stdout.String(), 200)).
		Msg("Command finished")

	if err == nil {
		return nil
	}

	cmdErr := &Error{
		Args:     args,
		ExitCode: -1,
		Stderr:   strings.TrimSpace(truncate(stderr.String(), 500)),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return cmdErr
}

// Parse splits a shell-style command line into arguments. Quotes and
// escapes are honoured, pipes and substitutions are not.
func Parse(line string) ([]string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", line, err)
	}
	return args, nil
}

// MustParse is Parse for compile-time constant command lines
func MustParse(line string) []string {
	args, err := Parse(line)
	if err != nil {
		panic(err)
	}
	return args
}

// ExitCode extracts the exit code from a command error, or -1
func ExitCode(err error) int {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
