package checkup

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"jobflow/internal/model"
)

const defaultCommandTimeout = 5 * time.Minute

// Runner runs remediation commands.
type Runner interface {
	Run(ctx context.Context, cmd model.Command) model.CommandLog
}

// ShellRunner runs commands with `sh -c`.
type ShellRunner struct {
	Shell string
	Dir   string
	now   func() time.Time
}

func (r ShellRunner) Run(ctx context.Context, cmd model.Command) model.CommandLog {
	now := r.now
	if now == nil {
		now = time.Now
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := model.CommandLog{Name: cmd.Name, Run: cmd.Run, StartedAt: now()}

	c := exec.CommandContext(ctx, shell, "-c", cmd.Run)
	c.Dir = r.Dir
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	err := c.Run()

	log.FinishedAt = now()
	log.Output = model.Truncate(out.String())
	switch {
	case err == nil:
		log.Success = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.ExitCode = -1
		log.Output = model.Truncate("timed out after " + timeout.String() + "\n" + out.String())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.ExitCode = exitErr.ExitCode()
		} else {
			log.ExitCode = -1
			log.Output = model.Truncate(err.Error())
		}
	}
	return log
}
