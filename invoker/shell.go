package invoker

import (
	"context"
	"errors"
	"fmt"
	"octo/message"
	"os/exec"
	"time"
)

// Shell runs each script with `sh -c`, passing the arguments as positional parameters $1..$n.
// nil arguments become empty strings. The value of a successful invocation is the exit code 0.
type Shell struct {
	Path string   // Interpreter, "sh" when empty
	Dir  string   // Working directory, the server's when empty
	Env  []string // Extra environment in KEY=VALUE form, appended to the server's

	// WaitDelay bounds how long output copying may continue after the script is killed,
	// one second when zero.
	WaitDelay time.Duration
}

func (s *Shell) Invoke(ctx context.Context, inv *message.Invocation) (any, error) {
	path := s.Path
	if path == "" {
		path = "sh"
	}

	args := []string{"-c", inv.Request.Script, "octo"}
	for _, a := range inv.Request.Arguments {
		if a == nil {
			args = append(args, "")
			continue
		}
		args = append(args, fmt.Sprint(a))
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run script: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("script exited with status %d", exitErr.ExitCode())
		}
		return nil, fmt.Errorf("run script: %w", err)
	}
	return 0, nil
}
