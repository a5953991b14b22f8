//go:build linux || darwin

package tactile

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// getProcessResourceUsage extracts resource usage on Unix systems.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	if cmd.ProcessState == nil {
		return nil
	}

	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return nil
	}

	return &ResourceUsage{
		UserTimeMs:   rusage.Utime.Sec*1000 + int64(rusage.Utime.Usec/1000),
		SystemTimeMs: rusage.Stime.Sec*1000 + int64(rusage.Stime.Usec/1000),
		MaxRSSBytes:  maxRSSBytes(rusage),
	}
}

// signalOf names the signal that ended the process, or "".
func signalOf(cmd *exec.Cmd) string {
	if cmd.ProcessState == nil {
		return ""
	}
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return ""
	}
	return unix.SignalName(status.Signal())
}

// setupProcessGroup makes the command the leader of a new process group.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup sends SIGKILL to the command's whole process group. The
// group id equals the leader's pid, which stays valid for signalling while
// any member is alive even after the leader has been reaped.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

type rlimit struct {
	resource int
	cur, max uint64
}

// rlimitsFor lists the rlimits that enforce limits. Soft CPU limits raise
// SIGXCPU; the hard limit is one second later. Core dumps are always off.
func rlimitsFor(limits ResourceLimits) []rlimit {
	var out []rlimit
	if limits.MaxMemoryBytes > 0 {
		out = append(out, rlimit{unix.RLIMIT_AS, uint64(limits.MaxMemoryBytes), uint64(limits.MaxMemoryBytes)})
	}
	if limits.MaxCPUTimeMs > 0 {
		secs := uint64((limits.MaxCPUTimeMs + 999) / 1000)
		out = append(out, rlimit{unix.RLIMIT_CPU, secs, secs + 1})
	}
	if limits.MaxFileSize > 0 {
		out = append(out, rlimit{unix.RLIMIT_FSIZE, uint64(limits.MaxFileSize), uint64(limits.MaxFileSize)})
	}
	if limits.MaxProcesses > 0 {
		out = append(out, rlimit{unix.RLIMIT_NPROC, uint64(limits.MaxProcesses), uint64(limits.MaxProcesses)})
	}
	return append(out, rlimit{unix.RLIMIT_CORE, 0, 0})
}

// ApplyLimits sets rlimits on the calling process. They are inherited by
// every process it starts afterwards.
func ApplyLimits(limits ResourceLimits) error {
	for _, l := range rlimitsFor(limits) {
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.cur, Max: l.max}); err != nil {
			return err
		}
	}
	return nil
}

// LimitsSupported reports whether ApplyLimits enforces anything here.
func LimitsSupported() bool { return true }
