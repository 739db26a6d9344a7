package collaborator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command is one invocation of a collaborator binary.
type Command struct {
	Dir  string
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes collaborator commands and returns their standard output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// ExecRunner runs commands as child processes, without a shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Command) (string, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", Timeout(cmd.Name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		// a collaborator that failed may still have printed its tagged error line
		if errors.As(err, &exitErr) && stdout.Len() > 0 {
			return stdout.String(), nil
		}
		return "", Unavailable(cmd.Name, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	return stdout.String(), nil
}

// Observer is told about every finished gateway call.
type Observer interface {
	ObserveCall(gateway, op string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveCall(string, string, time.Duration, error) {}

// NopObserver discards observations.
func NopObserver() Observer { return nopObserver{} }
