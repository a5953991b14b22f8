//go:build linux || darwin

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"codecoach/internal/tactile"

	"golang.org/x/sys/unix"
)

// runPythonWorker runs the harness in a CPython child and collects its
// report from fd 3. The child shares the worker's stdout, so what the
// submission prints still counts against the output limit, but it never
// learns the run token. Limits are set on the child after it starts and
// before it reads the submission.
func runPythonWorker(opts WorkerOptions, p *payload) (*report, error) {
	bin, err := findPython(p.Python)
	if err != nil {
		return nil, err
	}
	in := childInput{Code: p.Code, Callable: p.Callable, Inputs: p.Inputs}
	if p.Confine {
		prog, err := tactile.SeccompFilter()
		if err != nil {
			return nil, fmt.Errorf("no system call filter: %w", err)
		}
		for _, ins := range prog {
			in.Seccomp = append(in.Seccomp, [4]uint32{uint32(ins.Op), uint32(ins.Jt), uint32(ins.Jf), ins.K})
		}
	}
	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode child input: %w", err)
	}

	dir := ""
	if opts.Jail {
		var extra []string
		if prefix := pythonPrefix(bin); prefix != "" {
			extra = append(extra, prefix)
		}
		if err := enterJail(opts.PayloadPath, extra...); err != nil {
			return nil, err
		}
		dir = "/"
	}

	limits := p.Limits
	if !tactile.ProcessLimitsSupported() && tactile.LimitsSupported() {
		// Inherited by the child; the worker only waits from here on.
		self := limits
		self.MaxProcesses = 0
		if err := tactile.ApplyLimits(self); err != nil {
			return nil, fmt.Errorf("failed to apply limits: %w", err)
		}
	}
	if err := tactile.DropPrivileges(); err != nil {
		return nil, err
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer reportR.Close()

	cmd := exec.Command(bin, "-I", "-B", "-c", harnessSource)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	// stderr is the worker's error channel and stays closed to the child.
	cmd.Stdout = opts.Stdout
	cmd.ExtraFiles = []*os.File{reportW}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		reportW.Close()
		return nil, err
	}
	err = cmd.Start()
	reportW.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}

	if tactile.ProcessLimitsSupported() {
		if err := tactile.LimitProcess(cmd.Process.Pid, limits); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("failed to apply limits: %w", err)
		}
	}
	go func() {
		_, _ = stdin.Write(input)
		_ = stdin.Close()
	}()

	data, _ := io.ReadAll(io.LimitReader(reportR, maxReportBytes+1))
	_ = cmd.Wait()

	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		cpu := cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		return signalFault(status.Signal(), cpu, limits), nil
	}
	return childReport(data), nil
}

// signalFault explains a child killed by sig.
func signalFault(sig syscall.Signal, cpu time.Duration, limits tactile.ResourceLimits) *report {
	switch sig {
	case syscall.SIGXCPU:
		return faultOnly("resource", LimitCPU, "")
	case syscall.SIGKILL:
		// The hard CPU limit and the OOM killer both deliver SIGKILL.
		if limits.MaxCPUTimeMs > 0 && cpu.Milliseconds() >= limits.MaxCPUTimeMs {
			return faultOnly("resource", LimitCPU, "")
		}
		return faultOnly("resource", LimitMemory, "")
	case syscall.SIGSYS:
		return faultOnly("runtime", "Crash", "the program made a forbidden system call")
	}
	return faultOnly("runtime", "Crash", "the program was terminated by "+unix.SignalName(sig))
}

// findPython resolves name on PATH and through symlinks.
func findPython(name string) (string, error) {
	if name == "" {
		name = "python3"
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("python interpreter not found: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(bin)
	if err != nil {
		return "", fmt.Errorf("python interpreter not found: %w", err)
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	return resolved, nil
}

// pythonPrefix is the installation directory of an interpreter outside the
// default jail paths, such as /opt/python for /opt/python/bin/python3, or
// "" when the jail already holds it.
func pythonPrefix(bin string) string {
	for _, p := range tactile.DefaultJailPaths {
		if bin == p || strings.HasPrefix(bin, p+"/") {
			return ""
		}
	}
	prefix := filepath.Dir(filepath.Dir(bin))
	if prefix == "/" {
		return ""
	}
	return prefix
}
