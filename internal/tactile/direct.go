package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"codecoach/internal/logging"
)

// DirectExecutor runs commands on the host, each in its own process group.
// A command whose sandbox mode is SandboxIsolated also gets its own user,
// mount, network and pid namespaces (see EnterJail). Otherwise isolation
// comes from the rlimits the command applies to itself and from the
// scrubbed environment and working directory.
type DirectExecutor struct {
	config ExecutorConfig
}

// NewDirectExecutor creates a direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.SandboxDebug("Creating DirectExecutor: timeout=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{config: config}
}

// Name implements Executor.
func (e *DirectExecutor) Name() string { return "direct" }

// Execute runs a command directly on the host.
//
// The process group is killed when the timeout expires, when ctx is done,
// and after the leader exits, so no descendant outlives the call.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}

	timer := logging.StartTimer(logging.CategorySandbox, "Direct command execution")
	defer timer.Stop()

	timeout := cmd.Limits.Timeout(e.config.DefaultTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = buildEnvironment(e.config.AllowedEnvironment, cmd.Environment)
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}
	setupProcessGroup(execCmd)
	mode := SandboxNone
	if cmd.Sandbox != nil && cmd.Sandbox.Mode == SandboxIsolated {
		if err := isolate(execCmd); err != nil {
			return nil, err
		}
		mode = SandboxIsolated
	}
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = time.Second

	maxOutput := e.config.maxOutput(cmd)
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	logging.SandboxDebug("Executing: %s (dir=%s, timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, timeout)

	result := &ExecutionResult{ExitCode: -1, SandboxUsed: mode}
	start := time.Now()
	if err := execCmd.Start(); err != nil {
		if mode == SandboxIsolated {
			// Usually unprivileged user namespaces are disabled.
			return nil, fmt.Errorf("failed to start %s: %w: %w", cmd.Binary, ErrIsolationUnavailable, err)
		}
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Binary, err)
	}
	err := execCmd.Wait()
	// Descendants may still hold the group after the leader exits.
	_ = killProcessGroup(execCmd)
	result.Duration = time.Since(start)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Truncated = stdout.truncated || stderr.truncated
	result.ResourceUsage = getProcessResourceUsage(execCmd)
	result.Signal = signalOf(execCmd)

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		logging.SandboxWarn("Command killed (timeout): %s after %s", cmd.Binary, timeout)
	case ctx.Err() != nil:
		result.Killed = true
		result.KillReason = "context canceled"
		logging.SandboxDebug("Command canceled: %s", cmd.Binary)
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			return nil, fmt.Errorf("failed waiting for %s: %w", cmd.Binary, err)
		}
	}
	if execCmd.ProcessState != nil {
		result.ExitCode = execCmd.ProcessState.ExitCode()
	}

	logging.SandboxDebug("Command completed: %s -> exit=%d signal=%s duration=%s stdout=%d bytes",
		cmd.Binary, result.ExitCode, result.Signal, result.Duration, len(result.Stdout))
	return result, nil
}

// buildEnvironment copies the allowed host variables and appends extra.
func buildEnvironment(allowed, extra []string) []string {
	env := make([]string, 0, len(allowed)+len(extra))
	for _, key := range allowed {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	return append(env, extra...)
}

// limitedWriter is an io.Writer that keeps at most max bytes and silently
// discards the rest.
type limitedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	// Report the full length to avoid short write errors in the copier.
	return n, err
}
