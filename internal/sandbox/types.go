// Package sandbox runs learner code against test inputs in a separate,
// resource-limited worker process and scores what it returns.
//
// Each run writes a payload to a fresh temporary directory and starts the
// hidden sandbox-worker command of this binary on it, by default in fresh
// Linux namespaces. The worker pivots into a read-only view of the
// interpreter's directories and then either starts CPython on an embedded
// harness, confined by a seccomp filter, or interprets Go with yaegi.
//
// The submission never writes the report the parent reads. Python reports
// to the worker over a private pipe, and the worker prints the final report
// on one stdout line tagged with a per-run token it received on stdin. The
// parent ignores every other line and compares the reported values with
// the expected outputs, which never enter the sandbox.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codecoach/internal/inspect"
	"codecoach/internal/tactile"
)

// Submission is one piece of learner code and the cases to run it on.
type Submission struct {
	Language inspect.Language
	Code     string
	// Callable is the function to invoke, usually the name the inspector
	// found.
	Callable string
	Inputs   []any
	Expected []any
}

// Observation is the outcome of one test case.
type Observation struct {
	Input    any  `json:"input"`
	Expected any  `json:"expected"`
	Actual   any  `json:"actual"`
	Passed   bool `json:"passed"`
}

// RuntimeFault is the first uncaught error raised by the submission. The
// message has been scrubbed of host details.
type RuntimeFault struct {
	Type    string
	Message string
}

func (f *RuntimeFault) Error() string {
	if f.Message == "" {
		return f.Type
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

// ResourceExceeded means the run was stopped for using too much time,
// memory, CPU or output. Limit names which.
type ResourceExceeded struct {
	Limit string
}

func (e *ResourceExceeded) Error() string {
	return "resource limit exceeded: " + e.Limit
}

var (
	// ErrUnavailable means the sandbox could not run the submission at
	// all. It says nothing about the submission.
	ErrUnavailable = errors.New("sandbox unavailable")

	// ErrHostExecution is returned by NewRunner for the unisolated host
	// backend unless Config.AllowHostExecution is set.
	ErrHostExecution = errors.New("running submissions unisolated on the host must be enabled explicitly")
)

const (
	LimitTime      = "time"
	LimitCPU       = "cpu"
	LimitMemory    = "memory"
	LimitOutput    = "output"
	LimitRecursion = "recursion"
)

// Config bounds every run.
type Config struct {
	// Backend is tactile.SandboxIsolated (namespaces and seccomp, the
	// default), tactile.SandboxDocker or tactile.SandboxNone (an rlimited
	// host process with the caller's file and network access).
	Backend tactile.SandboxMode

	// AllowHostExecution must be set to use tactile.SandboxNone. Only use
	// it for trusted code.
	AllowHostExecution bool

	// WorkerPath is the binary providing the worker command. Empty means
	// the running executable.
	WorkerPath string
	// WorkerArgs precede the worker flags on its command line.
	WorkerArgs []string

	PythonBinary     string
	Timeout          time.Duration
	MaxMemoryBytes   int64
	MaxCPUSeconds    int
	MaxFileSizeBytes int64
	MaxProcesses     int
	MaxOutputBytes   int64
	AllowedEnv       []string
	DockerImage      string
	// MaxConcurrent caps simultaneous runs across all callers.
	MaxConcurrent int
	// TempDir is where run directories are created; empty means the OS
	// default.
	TempDir string
}

// DefaultConfig mirrors the default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		Backend:          tactile.SandboxIsolated,
		WorkerArgs:       []string{"sandbox-worker"},
		PythonBinary:     "python3",
		Timeout:          5 * time.Second,
		MaxMemoryBytes:   256 << 20,
		MaxCPUSeconds:    3,
		MaxFileSizeBytes: 1 << 20,
		MaxProcesses:     64,
		MaxOutputBytes:   256 << 10,
		AllowedEnv:       []string{"PATH", "LANG", "LC_ALL"},
		DockerImage:      "python:3.12-slim",
		MaxConcurrent:    4,
	}
}

// payload is what the worker reads.
type payload struct {
	Language inspect.Language       `json:"language"`
	Code     string                 `json:"code"`
	Callable string                 `json:"callable"`
	Inputs   []json.RawMessage      `json:"inputs"`
	Python   string                 `json:"python,omitempty"`
	Limits   tactile.ResourceLimits `json:"limits"`
	// Confine makes a seccomp filter mandatory for Python.
	Confine bool `json:"confine,omitempty"`
}

// childInput is what the Python harness reads on stdin.
type childInput struct {
	Code     string            `json:"code"`
	Callable string            `json:"callable"`
	Inputs   []json.RawMessage `json:"inputs"`
	// Seccomp is the filter to install, one [code, jt, jf, k] per
	// instruction.
	Seccomp [][4]uint32 `json:"seccomp,omitempty"`
}

// report is what the worker prints on its token line.
type report struct {
	Results []json.RawMessage `json:"results"`
	Fault   *faultReport      `json:"fault,omitempty"`
}

type faultReport struct {
	// Kind is "runtime", "resource" or "setup". Setup faults happen
	// before the submission runs.
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	Message string `json:"message"`
}
