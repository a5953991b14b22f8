//go:build !linux && !darwin

package tactile

import (
	"errors"
	"os"
	"os/exec"
)

func getProcessResourceUsage(*exec.Cmd) *ResourceUsage { return nil }

func signalOf(*exec.Cmd) string { return "" }

func setupProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// ApplyLimits cannot enforce anything here; the sandbox refuses to run
// untrusted code on such hosts unless the docker backend is used.
func ApplyLimits(ResourceLimits) error { return ErrLimitsUnsupported }

// LimitsSupported reports whether ApplyLimits enforces anything here.
func LimitsSupported() bool { return false }
