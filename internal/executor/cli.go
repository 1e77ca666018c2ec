package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/awm/internal/errors"
)

// CLI drives sessions through the `openclaw sessions` command.
type CLI struct {
	bin     string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCLI creates a CLI executor using bin.
func NewCLI(bin string, timeout time.Duration, logger zerolog.Logger) *CLI {
	if bin == "" {
		bin = "openclaw"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CLI{
		bin:     bin,
		timeout: timeout,
		logger:  logger.With().Str("component", "executor.cli").Logger(),
	}
}

// Spawn runs `openclaw sessions spawn ... --json`.
func (c *CLI) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	args := []string{"sessions", "spawn", "--task", req.Task, "--json"}
	if req.Label != "" {
		args = append(args, "--label", req.Label)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Cleanup != "" {
		args = append(args, "--cleanup", req.Cleanup)
	}
	if req.RunTimeoutSeconds > 0 {
		args = append(args, "--timeout", strconv.Itoa(req.RunTimeoutSeconds))
	}

	var out SpawnResult
	if err := c.run(ctx, "spawn", args, &out); err != nil {
		return SpawnResult{}, err
	}
	if out.SessionKey == "" {
		return SpawnResult{}, perrors.NewExecutorError("spawn", 0, "response has no session key")
	}

	c.logger.Info().Str("session_key", out.SessionKey).Str("label", req.Label).Msg("session spawned")
	return out, nil
}

// History runs `openclaw sessions history <key> --limit N --json`.
func (c *CLI) History(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	args := []string{"sessions", "history", sessionKey, "--limit", strconv.Itoa(limit), "--json"}

	var out historyResponse
	if err := c.run(ctx, "history", args, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *CLI) run(ctx context.Context, op string, args []string, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().Str("op", op).Msg("calling openclaw sessions")

	if err := cmd.Run(); err != nil {
		return &perrors.ExecutorError{
			Op:      op,
			Message: fmt.Sprintf("openclaw sessions %s failed (stderr: %s)", op, truncate(stderr.String(), 500)),
			Err:     err,
		}
	}
	if err := json.Unmarshal(stdout.Bytes(), v); err != nil {
		return &perrors.ExecutorError{
			Op:      op,
			Message: fmt.Sprintf("failed to parse openclaw output (stdout: %s)", truncate(stdout.String(), 500)),
			Err:     err,
		}
	}
	return nil
}
