// Package target runs commands on observer nodes, locally or over ssh, and
// derives node health from probe outcomes.
package target

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/model"
)

type RunResult struct {
	Output   string
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

type Executor struct {
	cfg    config.Config
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{
		cfg:    cfg,
		runner: OSRunner{},
	}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

// Run executes one command on a node with the configured timeout. Read-only
// git commands are retried with backoff; mutating ones run exactly once.
func (e *Executor) Run(ctx context.Context, node model.NodeHealth, command []string) (RunResult, error) {
	if len(command) == 0 {
		return RunResult{}, fmt.Errorf("empty command")
	}

	maxAttempts := 1
	if isRetryableCommand(command) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		var (
			out []byte
			err error
		)
		switch node.Kind {
		case model.NodeKindLocal:
			out, err = e.runner.Run(runCtx, command[0], command[1:]...)
		case model.NodeKindSSH:
			args, argErr := e.buildSSHArgs(node.ConnectionRef, command)
			if argErr != nil {
				cancel()
				return RunResult{}, argErr
			}
			out, err = e.runner.Run(runCtx, "ssh", args...)
		default:
			cancel()
			return RunResult{}, fmt.Errorf("unsupported node kind: %s", node.Kind)
		}
		cancel()
		if err == nil {
			return RunResult{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}

	return RunResult{}, fmt.Errorf("%s: %w", model.ErrNodeUnreachable, lastErr)
}

func (e *Executor) buildSSHArgs(connectionRef string, command []string) ([]string, error) {
	if strings.TrimSpace(connectionRef) == "" {
		return nil, fmt.Errorf("ssh node connection_ref is required")
	}
	if strings.HasPrefix(strings.TrimSpace(connectionRef), "-") {
		return nil, fmt.Errorf("invalid ssh node connection_ref")
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(e.cfg.ConnectTimeout.Seconds())),
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60",
		connectionRef,
	}
	args = append(args, command...)
	return args, nil
}

// BuildFetchCommand returns the fetch half of a corrective sync.
func BuildFetchCommand(repoPath string) []string {
	return []string{"git", "-C", repoPath, "fetch", "origin", "--prune"}
}

// BuildResetCommand returns the hard reset onto the desired head.
func BuildResetCommand(repoPath, head string) []string {
	return []string{"git", "-C", repoPath, "reset", "--hard", head}
}

// IsTimeout reports whether an executor error was a deadline hit; the
// dispatcher maps those to per-instance failures, never indeterminate states.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func isRetryableCommand(command []string) bool {
	if len(command) < 2 || command[0] != "git" {
		return false
	}
	for _, part := range command[1:] {
		switch strings.ToLower(part) {
		case "fetch", "ls-remote", "status", "rev-parse":
			return true
		case "reset", "push", "checkout", "merge", "pull":
			return false
		}
	}
	return false
}
