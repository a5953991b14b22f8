package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codecoach/internal/inspect"
	"codecoach/internal/logging"
	"codecoach/internal/tactile"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	payloadName = "payload.json"
	// Paths inside the docker backend.
	containerDir    = "/sandbox"
	containerWorker = "/usr/local/bin/coach"
	containerUser   = "65534:65534"
)

// Runner executes submissions. It is safe for concurrent use; at most
// Config.MaxConcurrent workers run at once.
type Runner struct {
	cfg        Config
	executor   tactile.Executor
	sem        *semaphore.Weighted
	workerPath string
}

// NewRunner validates cfg, fills unset fields from DefaultConfig and picks
// the executor for the configured backend.
func NewRunner(cfg Config) (*Runner, error) {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.WorkerArgs == nil {
		cfg.WorkerArgs = def.WorkerArgs
	}
	if cfg.PythonBinary == "" {
		cfg.PythonBinary = def.PythonBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.AllowedEnv == nil {
		cfg.AllowedEnv = def.AllowedEnv
	}
	if cfg.DockerImage == "" {
		cfg.DockerImage = def.DockerImage
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Backend == tactile.SandboxNone && !cfg.AllowHostExecution {
		return nil, ErrHostExecution
	}

	workerPath := cfg.WorkerPath
	if workerPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		workerPath = exe
	}
	if abs, err := filepath.Abs(workerPath); err == nil {
		workerPath = abs
	}

	executor, err := tactile.NewExecutor(cfg.Backend, tactile.ExecutorConfig{
		DefaultTimeout:     cfg.Timeout,
		MaxOutputBytes:     cfg.MaxOutputBytes,
		AllowedEnvironment: cfg.AllowedEnv,
		DockerDefaultImage: cfg.DockerImage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if cfg.Backend == tactile.SandboxNone {
		logging.SandboxWarn("Submissions run unisolated on the host with this user's file and network access")
		if !tactile.LimitsSupported() {
			logging.SandboxWarn("rlimits are not enforced on this platform; only the timeout applies")
		}
	}

	logging.Sandbox("Sandbox runner ready: backend=%s worker=%s timeout=%s", executor.Name(), workerPath, cfg.Timeout)
	return &Runner{
		cfg:        cfg,
		executor:   executor,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		workerPath: workerPath,
	}, nil
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run executes sub on every test input in one fresh worker and returns one
// observation per case. A fault raised by the submission is returned as
// *RuntimeFault and a limit breach as *ResourceExceeded; both stop the run.
// Other errors mean the sandbox itself failed.
func (r *Runner) Run(ctx context.Context, sub Submission) (obs []Observation, err error) {
	if len(sub.Inputs) != len(sub.Expected) {
		return nil, fmt.Errorf("got %d inputs but %d expected outputs", len(sub.Inputs), len(sub.Expected))
	}
	if sub.Callable == "" {
		return nil, inspect.ErrNoCallable
	}
	if sub.Language != inspect.Python && sub.Language != inspect.Go {
		return nil, fmt.Errorf("%w: %q", inspect.ErrUnsupportedLanguage, sub.Language)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a sandbox slot: %w", err)
	}
	defer r.sem.Release(1)

	timer := logging.StartTimer(logging.CategorySandbox, "Sandbox run")
	defer func() {
		logging.Audit().SandboxRun(string(sub.Language), len(sub.Inputs), timer.Stop(), err)
	}()

	dir, err := os.MkdirTemp(r.cfg.TempDir, "coach-run-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	defer os.RemoveAll(dir)
	// The docker backend runs as nobody and must be able to read the payload.
	if err := os.Chmod(dir, 0o755); err != nil {
		return nil, err
	}

	payloadPath, err := r.writePayload(dir, sub)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	result, err := r.executor.Execute(ctx, r.command(dir, payloadPath, token))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start sandbox worker: %w", ErrUnavailable, err)
	}

	cwd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	s := newSanitizer(payloadPath, dir, r.workerPath, cwd, home)

	rep, err := r.classify(ctx, result, token, s)
	if err != nil {
		logging.SandboxDebug("Run ended early: %v", err)
		return nil, err
	}
	return r.observe(sub, rep)
}

func (r *Runner) writePayload(dir string, sub Submission) (string, error) {
	inputs, err := encodeInputs(sub.Inputs)
	if err != nil {
		return "", err
	}
	p := payload{
		Language: sub.Language,
		Code:     sub.Code,
		Callable: sub.Callable,
		Inputs:   inputs,
		Python:   r.cfg.PythonBinary,
		Confine:  r.cfg.Backend != tactile.SandboxNone || tactile.SeccompSupported(),
		Limits: tactile.ResourceLimits{
			MaxCPUTimeMs:   int64(r.cfg.MaxCPUSeconds) * 1000,
			MaxMemoryBytes: r.cfg.MaxMemoryBytes,
			MaxFileSize:    r.cfg.MaxFileSizeBytes,
			MaxProcesses:   r.cfg.MaxProcesses,
		},
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	path := filepath.Join(dir, payloadName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	return path, nil
}

// command builds the worker invocation for the configured backend. The
// token goes in on stdin, which the submission never sees.
func (r *Runner) command(dir, payloadPath, token string) tactile.Command {
	limits := &tactile.ResourceLimits{
		TimeoutMs:      r.cfg.Timeout.Milliseconds(),
		MaxOutputBytes: r.cfg.MaxOutputBytes,
	}
	cmd := tactile.Command{
		Binary:           r.workerPath,
		Arguments:        r.workerArgs(payloadPath, false),
		WorkingDirectory: dir,
		Stdin:            token + "\n",
		Limits:           limits,
		RequestID:        uuid.NewString(),
	}
	switch r.cfg.Backend {
	case tactile.SandboxNone:
		return cmd
	case tactile.SandboxIsolated:
		cmd.Arguments = r.workerArgs(payloadPath, true)
		cmd.Sandbox = &tactile.SandboxConfig{Mode: tactile.SandboxIsolated}
		return cmd
	}

	limits.MaxMemoryBytes = r.cfg.MaxMemoryBytes
	limits.MaxCPUTimeMs = int64(r.cfg.MaxCPUSeconds) * 1000
	limits.MaxProcesses = r.cfg.MaxProcesses
	cmd.Binary = containerWorker
	cmd.Arguments = r.workerArgs(containerDir+"/"+payloadName, false)
	cmd.WorkingDirectory = containerDir
	cmd.Sandbox = &tactile.SandboxConfig{
		Mode:            tactile.SandboxDocker,
		Image:           r.cfg.DockerImage,
		ReadOnlyRoot:    true,
		NoNewPrivileges: true,
		User:            containerUser,
		Mounts: []tactile.Mount{
			{Source: r.workerPath, Target: containerWorker, ReadOnly: true},
			{Source: dir, Target: containerDir, ReadOnly: true},
		},
	}
	return cmd
}

func (r *Runner) workerArgs(payloadPath string, jail bool) []string {
	args := append(append([]string{}, r.cfg.WorkerArgs...), "--payload", payloadPath)
	if jail {
		args = append(args, "--jail")
	}
	return args
}

// classify turns a finished worker into a report or a typed error. Only the
// stdout line tagged with token is a report.
func (r *Runner) classify(ctx context.Context, res *tactile.ExecutionResult, token string, s *sanitizer) (*report, error) {
	switch {
	case res.Killed && ctx.Err() != nil:
		return nil, fmt.Errorf("sandbox run canceled: %w", ctx.Err())
	case res.Killed:
		return nil, &ResourceExceeded{Limit: LimitTime}
	case res.Truncated:
		return nil, &ResourceExceeded{Limit: LimitOutput}
	}

	switch res.Signal {
	case "":
	case "SIGXCPU":
		return nil, &ResourceExceeded{Limit: LimitCPU}
	case "SIGKILL":
		// The hard CPU limit and the OOM killer both deliver SIGKILL.
		if res.ResourceUsage != nil && r.cfg.MaxCPUSeconds > 0 &&
			res.ResourceUsage.TotalCPUTimeMs() >= int64(r.cfg.MaxCPUSeconds)*1000 {
			return nil, &ResourceExceeded{Limit: LimitCPU}
		}
		return nil, &ResourceExceeded{Limit: LimitMemory}
	default:
		return nil, &RuntimeFault{Type: "Crash", Message: "the program was terminated by " + res.Signal}
	}
	if res.SandboxUsed == tactile.SandboxDocker && res.ExitCode == 137 {
		return nil, &ResourceExceeded{Limit: LimitMemory}
	}

	rep, ok := findReport(res.Stdout, token)
	if !ok {
		return nil, workerFailure(res.Stderr, s)
	}
	if f := rep.Fault; f != nil {
		switch f.Kind {
		case "resource":
			return nil, &ResourceExceeded{Limit: resourceLimit(f.Type)}
		case "setup":
			return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, f.Type, s.clean(f.Message))
		}
		return nil, &RuntimeFault{Type: f.Type, Message: s.clean(f.Message)}
	}
	return rep, nil
}

// resourceLimit maps a resource fault type to the limit it breached.
func resourceLimit(typ string) string {
	switch typ {
	case "RecursionError":
		return LimitRecursion
	case LimitCPU, LimitOutput, LimitTime:
		return typ
	}
	return LimitMemory
}

// WorkerErrorPrefix marks worker setup failures on stderr, as opposed to
// output from the submission.
const WorkerErrorPrefix = "sandbox-worker: "

// workerFailure explains a worker that exited without a report.
func workerFailure(stderr string, s *sanitizer) error {
	if i := strings.Index(stderr, WorkerErrorPrefix); i >= 0 {
		msg := strings.TrimSpace(stderr[i+len(WorkerErrorPrefix):])
		return fmt.Errorf("%w: sandbox worker failed: %s", ErrUnavailable, msg)
	}
	switch {
	case strings.Contains(stderr, "MemoryError"),
		strings.Contains(stderr, "out of memory"),
		strings.Contains(stderr, "cannot allocate memory"):
		return &ResourceExceeded{Limit: LimitMemory}
	case strings.Contains(stderr, "stack overflow"),
		strings.Contains(stderr, "goroutine stack exceeds"):
		return &ResourceExceeded{Limit: LimitRecursion}
	}
	msg := s.clean(stderr)
	if msg == "" {
		msg = "the program exited without producing results"
	}
	return &RuntimeFault{Type: "WorkerError", Message: msg}
}

// findReport decodes the last stdout line tagged with token. Lines the
// submission printed are ignored, whatever they contain.
func findReport(stdout, token string) (*report, bool) {
	if token == "" {
		return nil, false
	}
	prefix := token + " "
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		rest, ok := strings.CutPrefix(lines[i], prefix)
		if !ok {
			continue
		}
		var rep report
		if err := json.Unmarshal([]byte(rest), &rep); err != nil {
			return nil, false
		}
		return &rep, true
	}
	return nil, false
}

// observe pairs reported values with expected outputs.
func (r *Runner) observe(sub Submission, rep *report) ([]Observation, error) {
	if len(rep.Results) != len(sub.Inputs) {
		return nil, fmt.Errorf("worker returned %d results for %d inputs", len(rep.Results), len(sub.Inputs))
	}

	obs := make([]Observation, len(sub.Inputs))
	for i := range sub.Inputs {
		actual, err := decode(rep.Results[i])
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		expected, err := Normalize(sub.Expected[i])
		if err != nil {
			return nil, fmt.Errorf("expected output %d: %w", i, err)
		}
		obs[i] = Observation{
			Input:    sub.Inputs[i],
			Expected: sub.Expected[i],
			Actual:   actual,
			Passed:   Equal(expected, actual),
		}
	}

	passed := 0
	for _, o := range obs {
		if o.Passed {
			passed++
		}
	}
	logging.Sandbox("Run finished: %d/%d cases passed", passed, len(obs))
	return obs, nil
}

// IsLimit reports whether err is a resource limit breach.
func IsLimit(err error) bool {
	var re *ResourceExceeded
	return errors.As(err, &re)
}
