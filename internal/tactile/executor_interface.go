package tactile

import (
	"context"
	"fmt"
)

// Executor runs one command to completion.
type Executor interface {
	// Execute runs cmd and returns its result. A command that ran and
	// failed, was killed or timed out is not an error; error is reserved
	// for failures to start it at all.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	// Name identifies the executor in logs.
	Name() string
}

// NewExecutor returns the executor for mode.
func NewExecutor(mode SandboxMode, config ExecutorConfig) (Executor, error) {
	switch mode {
	case SandboxNone, "":
		return NewDirectExecutorWithConfig(config), nil
	case SandboxIsolated:
		if !IsolationSupported() {
			return nil, ErrIsolationUnavailable
		}
		return NewDirectExecutorWithConfig(config), nil
	case SandboxDocker:
		e := NewDockerExecutorWithConfig(config)
		if !e.IsAvailable() {
			return nil, fmt.Errorf("docker sandbox requested but docker is not available")
		}
		return e, nil
	}
	return nil, fmt.Errorf("unknown sandbox mode %q", mode)
}
