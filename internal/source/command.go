package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandSource runs local runtime CLI commands that print JSON on stdout,
// e.g. "openclaw status --json".
type CommandSource struct {
	statusCmd []string
	jobsCmd   []string
	timeout   time.Duration
}

// NewCommand splits the command lines on whitespace. An empty jobsCmd
// makes Jobs report no jobs.
func NewCommand(statusCmd, jobsCmd string, timeout time.Duration) (*CommandSource, error) {
	status := strings.Fields(statusCmd)
	if len(status) == 0 {
		return nil, errors.New("status command is empty")
	}
	return &CommandSource{
		statusCmd: status,
		jobsCmd:   strings.Fields(jobsCmd),
		timeout:   timeout,
	}, nil
}

func (c *CommandSource) Status(ctx context.Context) (*Status, error) {
	out, err := c.run(ctx, c.statusCmd)
	if err != nil {
		return nil, err
	}
	return ParseStatus(out)
}

func (c *CommandSource) Jobs(ctx context.Context) ([]any, error) {
	if len(c.jobsCmd) == 0 {
		return nil, nil
	}
	out, err := c.run(ctx, c.jobsCmd)
	if err != nil {
		return nil, err
	}
	return ParseJobs(out)
}

func (c *CommandSource) run(ctx context.Context, argv []string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("running %s: %w: %s", argv[0], err, msg)
		}
		return nil, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return stdout.Bytes(), nil
}
