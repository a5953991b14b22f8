package sandbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"codecoach/internal/inspect"
	"codecoach/internal/tactile"
)

const (
	// goMaxStack bounds interpreted recursion; exceeding it is a fatal
	// "stack overflow" the parent reports as a recursion limit.
	goMaxStack = 64 << 20

	// maxReportBytes caps what the Python child may report.
	maxReportBytes = 4 << 20

	jailDirName = "jail"
)

// WorkerOptions configure one worker process.
type WorkerOptions struct {
	PayloadPath string
	// Jail pivots the worker into a read-only view of the interpreter's
	// directories before any submission code runs. The worker must have
	// been started with tactile.SandboxIsolated.
	Jail bool
	// Stdin carries the run token on its first line.
	Stdin io.Reader
	// Stdout receives the token-tagged report. A Python child shares it.
	Stdout *os.File
}

// RunWorker executes one payload and prints its report. It is the body of
// the hidden sandbox-worker command and never runs in the server process.
// An error means the worker could not run the submission at all.
func RunWorker(opts WorkerOptions) error {
	token, err := readToken(opts.Stdin)
	if err != nil {
		return err
	}
	p, err := readPayload(opts.PayloadPath)
	if err != nil {
		return err
	}

	// Capabilities and no_new_privs are per thread: the jail, privilege
	// drop and child start must share one.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var rep *report
	switch p.Language {
	case inspect.Python:
		rep, err = runPythonWorker(opts, p)
	case inspect.Go:
		rep, err = runGoWorker(opts, p)
	default:
		err = fmt.Errorf("%w: %q", inspect.ErrUnsupportedLanguage, p.Language)
	}
	if err != nil {
		return err
	}
	return writeReport(opts.Stdout, token, rep)
}

// readToken reads the first line of r.
func readToken(r io.Reader) (string, error) {
	if r == nil {
		return "", errors.New("no run token on stdin")
	}
	line, err := bufio.NewReader(io.LimitReader(r, 256)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read run token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errors.New("no run token on stdin")
	}
	return token, nil
}

func readPayload(path string) (*payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if p.Callable == "" {
		return nil, fmt.Errorf("payload names no callable")
	}
	return &p, nil
}

// enterJail confines the worker to paths plus extra. The jail root lives
// next to the payload and is empty again once the worker exits.
func enterJail(payloadPath string, extra ...string) error {
	paths := append(append([]string{}, tactile.DefaultJailPaths...), extra...)
	root := filepath.Join(filepath.Dir(payloadPath), jailDirName)
	if err := tactile.EnterJail(root, paths); err != nil {
		return fmt.Errorf("%w: %w", tactile.ErrIsolationUnavailable, err)
	}
	return nil
}

// runGoWorker interprets the submission in this process. The address space
// and process limits are left to the Go runtime: it reserves virtual memory
// up front and needs threads, so memory is bounded by a soft GC limit.
func runGoWorker(opts WorkerOptions, p *payload) (*report, error) {
	if opts.Jail {
		if err := enterJail(opts.PayloadPath); err != nil {
			return nil, err
		}
	}

	limits := p.Limits
	mem := limits.MaxMemoryBytes
	limits.MaxMemoryBytes = 0
	limits.MaxProcesses = 0
	if tactile.LimitsSupported() {
		if err := tactile.ApplyLimits(limits); err != nil {
			return nil, fmt.Errorf("failed to apply limits: %w", err)
		}
	}
	if mem > 0 {
		debug.SetMemoryLimit(mem)
	}
	debug.SetMaxStack(goMaxStack)

	// Learner prints must not reach the report stream.
	if devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
		os.Stdout = devnull
		defer devnull.Close()
	}
	return runGo(p), nil
}

// writeReport prints rep on its own line behind token.
func writeReport(out io.Writer, token string, rep *report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n%s %s\n", token, data)
	return err
}

// childReport turns what the Python child wrote on its report pipe into a
// report. Anything unreadable means the child quit before the harness
// could report.
func childReport(data []byte) *report {
	if len(data) > maxReportBytes {
		return faultOnly("resource", LimitOutput, "the results are too large")
	}
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil || (rep.Results == nil && rep.Fault == nil) {
		return faultOnly("runtime", "SystemExit", "the program exited before returning a result")
	}
	if rep.Results == nil {
		rep.Results = []json.RawMessage{}
	}
	return &rep
}

func faultOnly(kind, typ, msg string) *report {
	return &report{
		Results: []json.RawMessage{},
		Fault:   &faultReport{Kind: kind, Type: typ, Message: msg},
	}
}
