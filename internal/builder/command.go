package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// CommandOptions tunes a RunCommand call. Zero values inherit from the
// current process.
type CommandOptions struct {
	Env   map[string]string
	Dir   string
	Stdin io.Reader
}

// CommandResult is the outcome of a finished process.
type CommandResult struct {
	Argv   []string
	Code   int
	Stdout string
	Stderr string
}

// Err returns a *CommandError when the process exited non-zero.
func (r CommandResult) Err() error {
	if r.Code == 0 {
		return nil
	}
	return &CommandError{Result: r}
}

// CommandError is a failed process with its captured output.
type CommandError struct {
	Result CommandResult
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", CommandLine(e.Result.Argv), e.Result.Code)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// CommandLine renders argv the way a shell user would type it.
func CommandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			parts[i] = fmt.Sprintf("%q", a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// RunCommand runs argv to completion and captures its output. Only failures
// to start or wait for the process are returned as errors; a non-zero exit
// is reported through CommandResult.Code.
func RunCommand(ctx context.Context, argv []string, opts CommandOptions) (CommandResult, error) {
	res := CommandResult{Argv: argv}
	if len(argv) == 0 {
		return res, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	if len(opts.Env) > 0 {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.Code = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("running %s: %w", CommandLine(argv), err)
	}
	return res, nil
}
