// Package tactile is the process layer under the sandbox. It starts one
// command per call, either in fresh Linux namespaces, directly on the host
// in its own process group, or inside a throwaway Docker container, and
// enforces wall-clock time, output size and kernel resource limits on it.
//
// Design Principles:
//   - One process group per command, killed on every exit path
//   - Nothing inherited: the environment is rebuilt from an allow-list
//   - Structured results: the caller decides what a kill or signal means
package tactile

import (
	"time"
)

// SandboxMode selects how a command is isolated.
type SandboxMode string

const (
	// SandboxNone runs the command on the host under rlimits.
	SandboxNone SandboxMode = "none"

	// SandboxIsolated runs the command in new user, mount, network and pid
	// namespaces. The command finishes the job itself with EnterJail.
	SandboxIsolated SandboxMode = "isolated"

	// SandboxDocker runs the command in a Docker container.
	SandboxDocker SandboxMode = "docker"
)

// Command describes one process to run.
type Command struct {
	// Binary is the executable to run.
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in. It is also the only
	// host directory mounted into a Docker sandbox.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format), added to the
	// executor's allowed environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Limits specifies resource constraints for execution.
	Limits *ResourceLimits `json:"limits,omitempty"`

	// Sandbox specifies isolation settings.
	Sandbox *SandboxConfig `json:"sandbox,omitempty"`

	// RequestID uniquely identifies this execution. Docker uses it to name
	// the container.
	RequestID string `json:"request_id,omitempty"`
}

// CommandString returns the full command as a string (for logging).
func (c Command) CommandString() string {
	result := c.Binary
	for _, arg := range c.Arguments {
		if len(arg) > 64 {
			arg = arg[:64] + "..."
		}
		result += " " + arg
	}
	return result
}

// ResourceLimits defines constraints on a command.
type ResourceLimits struct {
	// TimeoutMs is the wall-clock budget in milliseconds.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxCPUTimeMs limits CPU time (RLIMIT_CPU, rounded up to seconds).
	MaxCPUTimeMs int64 `json:"max_cpu_time_ms,omitempty"`

	// MaxMemoryBytes limits address space (RLIMIT_AS) or container memory.
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"`

	// MaxOutputBytes caps captured stdout and stderr, each.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`

	// MaxFileSize limits the size of files the process can write.
	MaxFileSize int64 `json:"max_file_size,omitempty"`

	// MaxProcesses limits process creation (RLIMIT_NPROC or pids-limit).
	MaxProcesses int `json:"max_processes,omitempty"`
}

// Timeout returns the wall-clock budget, or fallback when unset.
func (l *ResourceLimits) Timeout(fallback time.Duration) time.Duration {
	if l == nil || l.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// Mount is a host path exposed inside a container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// SandboxConfig specifies isolation settings.
type SandboxConfig struct {
	// Mode is the sandboxing strategy.
	Mode SandboxMode `json:"mode"`

	// Image is the Docker image to use.
	Image string `json:"image,omitempty"`

	// ReadOnlyRoot makes the container root filesystem read-only.
	ReadOnlyRoot bool `json:"read_only_root,omitempty"`

	// NoNewPrivileges prevents privilege escalation.
	NoNewPrivileges bool `json:"no_new_privileges,omitempty"`

	// User runs the container as this user (user:group format).
	User string `json:"user,omitempty"`

	// TmpfsSize is the size of the /tmp tmpfs mount (e.g., "16m").
	TmpfsSize string `json:"tmpfs_size,omitempty"`

	// Mounts are extra bind mounts.
	Mounts []Mount `json:"mounts,omitempty"`
}

// ExecutionResult is the outcome of one command.
type ExecutionResult struct {
	// ExitCode is the process exit code (-1 if it did not exit normally).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	// Killed indicates the executor terminated the command.
	Killed bool `json:"killed"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Signal names the signal that ended the process, if any.
	Signal string `json:"signal,omitempty"`

	// Truncated indicates output exceeded MaxOutputBytes.
	Truncated bool `json:"truncated"`

	// ResourceUsage contains resource consumption metrics (if available).
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// SandboxUsed indicates which sandbox mode was actually used.
	SandboxUsed SandboxMode `json:"sandbox_used"`
}

// Signaled reports whether the process was ended by a signal.
func (r *ExecutionResult) Signaled() bool {
	return r.Signal != ""
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`
	MaxRSSBytes  int64 `json:"max_rss_bytes"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultTimeout is used when no timeout is specified.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxOutputBytes caps output capture when the command sets no limit.
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// AllowedEnvironment lists host environment variables passed through.
	AllowedEnvironment []string `json:"allowed_environment"`

	// DockerDefaultImage is used when a Docker command names no image.
	DockerDefaultImage string `json:"docker_default_image,omitempty"`
}

// DefaultExecutorConfig returns conservative defaults for untrusted code.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:     5 * time.Second,
		MaxOutputBytes:     256 * 1024,
		AllowedEnvironment: []string{"PATH", "LANG", "LC_ALL"},
		DockerDefaultImage: "python:3.12-slim",
	}
}

func (c ExecutorConfig) maxOutput(cmd Command) int64 {
	if cmd.Limits != nil && cmd.Limits.MaxOutputBytes > 0 {
		return cmd.Limits.MaxOutputBytes
	}
	if c.MaxOutputBytes > 0 {
		return c.MaxOutputBytes
	}
	return 256 * 1024
}
