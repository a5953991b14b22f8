package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"codecoach/internal/logging"
)

// DockerExecutor runs commands inside throwaway Docker containers.
type DockerExecutor struct {
	config ExecutorConfig

	// dockerPath is the path to the docker binary
	dockerPath string

	// available is true if Docker is available on this system
	available bool
}

// NewDockerExecutorWithConfig creates a Docker executor.
func NewDockerExecutorWithConfig(config ExecutorConfig) *DockerExecutor {
	e := &DockerExecutor{config: config}
	e.detectDocker()
	return e
}

// detectDocker checks that a docker daemon answers.
func (e *DockerExecutor) detectDocker() {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		return
	}
	e.dockerPath = dockerPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}")
	e.available = cmd.Run() == nil
}

// IsAvailable returns whether Docker is available on this system.
func (e *DockerExecutor) IsAvailable() bool {
	return e.available
}

// Name implements Executor.
func (e *DockerExecutor) Name() string { return "docker" }

// Execute runs a command inside a container. On timeout or cancellation the
// container is removed with docker rm -f, since killing the client does not
// stop it.
func (e *DockerExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if !e.available {
		return nil, fmt.Errorf("docker is not available on this system")
	}
	if cmd.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	name := "coach-" + cmd.RequestID

	timeout := cmd.Limits.Timeout(e.config.DefaultTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, e.dockerPath, e.buildDockerArgs(name, cmd)...)
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}
	execCmd.WaitDelay = time.Second

	maxOutput := e.config.maxOutput(cmd)
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	result := &ExecutionResult{ExitCode: -1, SandboxUsed: SandboxDocker}
	start := time.Now()
	err := execCmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Truncated = stdout.truncated || stderr.truncated

	if execCtx.Err() != nil {
		e.removeContainer(name)
		result.Killed = true
		if ctx.Err() != nil {
			result.KillReason = "context canceled"
		} else {
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		}
		logging.SandboxWarn("Container %s killed: %s", name, result.KillReason)
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		// docker run reports 128+n for a signal n inside the container.
		if result.ExitCode == 137 {
			result.Signal = "killed"
		}
	default:
		return nil, fmt.Errorf("docker run failed: %w", err)
	}
	return result, nil
}

// removeContainer force-removes a container, detached from any request
// context so teardown still happens after cancellation.
func (e *DockerExecutor) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, e.dockerPath, "rm", "-f", name).Run(); err != nil {
		logging.SandboxError("failed to remove container %s: %v", name, err)
	}
}

// buildDockerArgs constructs the docker run command arguments.
func (e *DockerExecutor) buildDockerArgs(name string, cmd Command) []string {
	args := []string{"run", "--rm", "--name", name, "--network", "none"}

	sandbox := cmd.Sandbox
	if sandbox == nil {
		sandbox = &SandboxConfig{Mode: SandboxDocker}
	}

	image := sandbox.Image
	if image == "" {
		image = e.config.DockerDefaultImage
	}

	if sandbox.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	if sandbox.ReadOnlyRoot || sandbox.TmpfsSize != "" {
		tmpfsSize := sandbox.TmpfsSize
		if tmpfsSize == "" {
			tmpfsSize = "16m"
		}
		args = append(args, "--tmpfs", fmt.Sprintf("/tmp:size=%s", tmpfsSize))
	}
	if sandbox.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	args = append(args, "--cap-drop", "ALL")
	if sandbox.User != "" {
		args = append(args, "--user", sandbox.User)
	}

	for _, m := range sandbox.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}
	if cmd.WorkingDirectory != "" {
		args = append(args, "-w", cmd.WorkingDirectory)
	}

	for _, env := range buildEnvironment(nil, cmd.Environment) {
		args = append(args, "-e", env)
	}

	if cmd.Limits != nil {
		if cmd.Limits.MaxMemoryBytes > 0 {
			args = append(args, "--memory", fmt.Sprintf("%d", cmd.Limits.MaxMemoryBytes),
				"--memory-swap", fmt.Sprintf("%d", cmd.Limits.MaxMemoryBytes))
		}
		if cmd.Limits.MaxCPUTimeMs > 0 {
			// One CPU at most; the CPU-seconds cap itself is an rlimit.
			args = append(args, "--cpus", "1")
		}
		if cmd.Limits.MaxProcesses > 0 {
			args = append(args, "--pids-limit", fmt.Sprintf("%d", cmd.Limits.MaxProcesses))
		}
	}

	if cmd.Stdin != "" {
		args = append(args, "-i")
	}

	args = append(args, image, cmd.Binary)
	return append(args, cmd.Arguments...)
}
