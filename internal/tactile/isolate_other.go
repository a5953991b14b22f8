//go:build !linux

package tactile

import "os/exec"

// DefaultJailPaths is empty where jails are not supported.
var DefaultJailPaths []string

func isolate(*exec.Cmd) error { return ErrIsolationUnavailable }

// IsolationSupported reports whether isolated commands can be requested
// here.
func IsolationSupported() bool { return false }

// EnterJail needs Linux namespaces.
func EnterJail(string, []string) error { return ErrIsolationUnavailable }

// DropPrivileges has nothing to drop here.
func DropPrivileges() error { return nil }

// LimitProcess needs prlimit.
func LimitProcess(int, ResourceLimits) error { return ErrLimitsUnsupported }

// ProcessLimitsSupported reports whether LimitProcess works here.
func ProcessLimitsSupported() bool { return false }
