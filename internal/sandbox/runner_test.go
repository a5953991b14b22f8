//go:build linux || darwin

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codecoach/internal/inspect"
	"codecoach/internal/tactile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as the worker: the runner re-executes it with
// "sandbox-worker --payload <path> [--jail]".
func TestMain(m *testing.M) {
	if len(os.Args) > 3 && os.Args[1] == "sandbox-worker" {
		opts := WorkerOptions{Stdin: os.Stdin, Stdout: os.Stdout}
		for i := 2; i < len(os.Args); i++ {
			switch os.Args[i] {
			case "--payload":
				if i+1 < len(os.Args) {
					opts.PayloadPath = os.Args[i+1]
					i++
				}
			case "--jail":
				opts.Jail = true
			}
		}
		if err := RunWorker(opts); err != nil {
			fmt.Fprintln(os.Stderr, WorkerErrorPrefix+err.Error())
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testConfig(tempDir string) Config {
	cfg := DefaultConfig()
	cfg.WorkerPath = os.Args[0]
	cfg.WorkerArgs = []string{"sandbox-worker"}
	cfg.TempDir = tempDir
	return cfg
}

// isolationErr is why the isolated backend cannot run here, or nil.
var isolationErr = sync.OnceValue(func() error {
	r, err := NewRunner(testConfig(""))
	if err != nil {
		return err
	}
	_, err = r.Run(context.Background(), Submission{
		Language: inspect.Go,
		Code:     "func F(x int) int { return x }",
		Callable: "F",
		Inputs:   []any{1},
		Expected: []any{1},
	})
	return err
})

// newTestRunner uses the isolated backend where the host allows it and the
// host backend otherwise.
func newTestRunner(t *testing.T, tweak func(*Config)) *Runner {
	t.Helper()
	cfg := testConfig(t.TempDir())
	if err := isolationErr(); err != nil {
		t.Logf("running on the host backend: %v", err)
		cfg.Backend = tactile.SandboxNone
		cfg.AllowHostExecution = true
	}
	if tweak != nil {
		tweak(&cfg)
	}
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r
}

func newIsolatedRunner(t *testing.T) *Runner {
	t.Helper()
	if err := isolationErr(); err != nil {
		t.Skipf("process isolation unavailable: %v", err)
	}
	r, err := NewRunner(testConfig(t.TempDir()))
	require.NoError(t, err)
	return r
}

func newHostRunner(t *testing.T) *Runner {
	t.Helper()
	return newTestRunner(t, func(c *Config) {
		c.Backend = tactile.SandboxNone
		c.AllowHostExecution = true
	})
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func runPython(t *testing.T, r *Runner, code, callable string, inputs, expected []any) ([]Observation, error) {
	t.Helper()
	return r.Run(context.Background(), Submission{
		Language: inspect.Python,
		Code:     code,
		Callable: callable,
		Inputs:   inputs,
		Expected: expected,
	})
}

func TestRun_PythonAddPasses(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, nil)

	obs, err := runPython(t, r, "def add(a, b):\n    return a + b\n", "add",
		[]any{[]any{2, 3}}, []any{5})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Passed)
	assert.Equal(t, float64(5), obs[0].Actual)
}

func TestRun_PythonMismatchesDoNotShortCircuit(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, nil)

	obs, err := runPython(t, r, "def double(x):\n    return x * 3\n", "double",
		[]any{0, 1, 2}, []any{0, 2, 4})
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.True(t, obs[0].Passed)
	assert.False(t, obs[1].Passed)
	assert.False(t, obs[2].Passed)
	assert.Equal(t, float64(6), obs[2].Actual)
}

func TestRun_PythonFaultStopsRun(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, nil)

	obs, err := runPython(t, r, "def inv(x):\n    return 10 // x\n", "inv",
		[]any{1, 0, 2}, []any{10, 0, 5})
	assert.Nil(t, obs)

	var fault *RuntimeFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "ZeroDivisionError", fault.Type)
	assert.Contains(t, fault.Message, "division")
	assert.NotContains(t, fault.Message, r.cfg.TempDir)
}

func TestRun_PythonInfiniteLoopExceedsLimit(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, func(c *Config) { c.Timeout = time.Second })

	start := time.Now()
	_, err := runPython(t, r, "def spin(x):\n    while True:\n        pass\n", "spin",
		[]any{1}, []any{1})
	var re *ResourceExceeded
	require.ErrorAs(t, err, &re)
	assert.True(t, IsLimit(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_PythonArgumentBinding(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, nil)

	code := `
def describe(*args, **kwargs):
    if kwargs:
        return sorted(kwargs.items())
    return len(args)
`
	obs, err := runPython(t, r, code, "describe",
		[]any{[]any{1, 2, 3}, map[string]any{"b": 2, "a": 1}, "solo"},
		[]any{3, []any{[]any{"a", 1}, []any{"b", 2}}, 1})
	require.NoError(t, err)
	for i, o := range obs {
		assert.True(t, o.Passed, "case %d: got %v", i, o.Actual)
	}
}

func TestRun_PythonNormalizesTuplesAndSets(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, nil)

	code := `
def shapes(kind):
    if kind == "tuple":
        return (1, 2)
    return {3, 1, 2}
`
	obs, err := runPython(t, r, code, "shapes",
		[]any{"tuple", "set"}, []any{[]any{1, 2}, []any{1, 2, 3}})
	require.NoError(t, err)
	assert.True(t, obs[0].Passed)
	assert.True(t, obs[1].Passed)
}

func TestRun_PythonPrintDoesNotCorruptReport(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, nil)

	obs, err := runPython(t, r, "import sys\ndef f(x):\n    print('noise')\n    print('{}', file=sys.stderr)\n    return x\n", "f",
		[]any{7}, []any{7})
	require.NoError(t, err)
	assert.True(t, obs[0].Passed)
}

func TestRun_PythonMissingCallable(t *testing.T) {
	requirePython(t)
	r := newTestRunner(t, nil)

	_, err := runPython(t, r, "def other(x):\n    return x\n", "wanted", []any{1}, []any{1})
	var fault *RuntimeFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "NameError", fault.Type)
}

func TestRun_GoAddPasses(t *testing.T) {
	r := newTestRunner(t, nil)

	obs, err := r.Run(context.Background(), Submission{
		Language: inspect.Go,
		Code:     "func Add(a, b int) int { return a + b }",
		Callable: "Add",
		Inputs:   []any{[]any{2, 3}, []any{-1, 1}},
		Expected: []any{5, 0},
	})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.True(t, obs[0].Passed)
	assert.True(t, obs[1].Passed)
}

func TestRun_GoSliceArgument(t *testing.T) {
	r := newTestRunner(t, nil)

	code := `package main

import "sort"

func Sorted(xs []int) []int {
	out := append([]int(nil), xs...)
	sort.Ints(out)
	return out
}
`
	obs, err := r.Run(context.Background(), Submission{
		Language: inspect.Go,
		Code:     code,
		Callable: "Sorted",
		Inputs:   []any{[]any{3, 1, 2}, []any{[]any{5, 4}}},
		Expected: []any{[]any{1, 2, 3}, []any{4, 5}},
	})
	require.NoError(t, err)
	assert.True(t, obs[0].Passed)
	assert.True(t, obs[1].Passed)
}

func TestRun_GoFaults(t *testing.T) {
	r := newTestRunner(t, nil)

	tests := []struct {
		name     string
		code     string
		wantType string
		wantMsg  string
	}{
		{
			name:     "disallowed import",
			code:     "package main\n\nimport \"os\"\n\nfunc F(x int) int { os.Exit(1); return x }\n",
			wantType: "CompileError",
			wantMsg:  `"os"`,
		},
		{
			name:     "panic",
			code:     "func F(x int) int { panic(\"boom\") }",
			wantType: "panic",
			wantMsg:  "boom",
		},
		{
			name:     "error return",
			code:     "import \"errors\"\n\nfunc F(x int) (int, error) { return 0, errors.New(\"bad input\") }",
			wantType: "error",
			wantMsg:  "bad input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), Submission{
				Language: inspect.Go,
				Code:     tt.code,
				Callable: "F",
				Inputs:   []any{1},
				Expected: []any{1},
			})
			var fault *RuntimeFault
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, tt.wantType, fault.Type)
			assert.Contains(t, fault.Message, tt.wantMsg)
		})
	}
}

func TestRun_GoInfiniteLoopExceedsLimit(t *testing.T) {
	r := newTestRunner(t, func(c *Config) { c.Timeout = time.Second })

	_, err := r.Run(context.Background(), Submission{
		Language: inspect.Go,
		Code:     "func Spin(x int) int { for { x++ } }",
		Callable: "Spin",
		Inputs:   []any{1},
		Expected: []any{1},
	})
	assert.True(t, IsLimit(err), "got %v", err)
}

func TestRun_Canceled(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Submission{
		Language: inspect.Go,
		Code:     "func Spin(x int) int { for { x++ } }",
		Callable: "Spin",
		Inputs:   []any{1},
		Expected: []any{1},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, IsLimit(err))
}

func TestRun_RejectsBadSubmissions(t *testing.T) {
	r := newTestRunner(t, nil)
	ctx := context.Background()

	_, err := r.Run(ctx, Submission{Language: inspect.Go, Callable: "F", Inputs: []any{1}})
	assert.Error(t, err)

	_, err = r.Run(ctx, Submission{Language: inspect.Go, Code: "func F() {}"})
	assert.ErrorIs(t, err, inspect.ErrNoCallable)

	_, err = r.Run(ctx, Submission{Language: "ruby", Callable: "f"})
	assert.ErrorIs(t, err, inspect.ErrUnsupportedLanguage)
}

func TestNewRunner_HostExecutionNeedsOptIn(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Backend = tactile.SandboxNone

	_, err := NewRunner(cfg)
	require.ErrorIs(t, err, ErrHostExecution)

	cfg.AllowHostExecution = true
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	assert.Equal(t, tactile.SandboxNone, r.Config().Backend)

	r, err = NewRunner(Config{WorkerPath: os.Args[0]})
	if err == nil {
		assert.Equal(t, tactile.SandboxIsolated, r.Config().Backend)
	} else {
		assert.ErrorIs(t, err, ErrUnavailable)
	}
}

func TestRun_PythonCannotForgeReport(t *testing.T) {
	requirePython(t)

	runners := map[string]*Runner{
		"default": newTestRunner(t, nil),
		"host":    newHostRunner(t),
	}
	for name, r := range runners {
		t.Run(name, func(t *testing.T) {
			t.Run("write then exit", func(t *testing.T) {
				code := "import os\ndef add(a, b):\n    os.write(1, b'\\n{\"results\": [5, 7, 9]}\\n')\n    os._exit(0)\n"
				obs, err := runPython(t, r, code, "add",
					[]any{[]any{2, 3}, []any{3, 4}, []any{4, 5}}, []any{5, 7, 9})
				assert.Nil(t, obs)
				var fault *RuntimeFault
				require.ErrorAs(t, err, &fault)
				assert.Equal(t, "SystemExit", fault.Type)
			})

			t.Run("write then return", func(t *testing.T) {
				code := "import os\ndef add(a, b):\n    os.write(1, b'\\n{\"results\": [5, 7, 9]}\\n')\n    return 0\n"
				obs, err := runPython(t, r, code, "add",
					[]any{[]any{2, 3}, []any{3, 4}, []any{4, 5}}, []any{5, 7, 9})
				require.NoError(t, err)
				require.Len(t, obs, 3)
				for i, o := range obs {
					assert.False(t, o.Passed, "case %d", i)
					assert.Equal(t, float64(0), o.Actual)
				}
			})
		})
	}
}

func TestRun_PythonHostBackend(t *testing.T) {
	requirePython(t)
	r := newHostRunner(t)

	obs, err := runPython(t, r, "def add(a, b):\n    return a + b\n", "add",
		[]any{[]any{2, 3}}, []any{5})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Passed)
}

func TestRun_GoHostBackend(t *testing.T) {
	r := newHostRunner(t)

	obs, err := r.Run(context.Background(), Submission{
		Language: inspect.Go,
		Code:     "func Add(a, b int) int { return a + b }",
		Callable: "Add",
		Inputs:   []any{[]any{2, 3}},
		Expected: []any{5},
	})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Passed)
}

// runIsolatedPython skips when the host cannot confine the interpreter.
func runIsolatedPython(t *testing.T, code string, input, expected any) ([]Observation, error) {
	t.Helper()
	requirePython(t)
	r := newIsolatedRunner(t)
	obs, err := runPython(t, r, code, "f", []any{input}, []any{expected})
	if errors.Is(err, ErrUnavailable) {
		t.Skipf("python cannot be confined here: %v", err)
	}
	return obs, err
}

func TestRun_IsolatedPythonRunsAsNobody(t *testing.T) {
	obs, err := runIsolatedPython(t, "import os\ndef f(x):\n    return os.getuid()\n", 0, tactile.JailID)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Passed, "uid %v", obs[0].Actual)
}

func TestRun_IsolatedPythonKeepsThreads(t *testing.T) {
	code := `
import threading

def f(x):
    out = []
    th = threading.Thread(target=lambda: out.append(x * 2))
    th.start()
    th.join()
    return out[0]
`
	obs, err := runIsolatedPython(t, code, 21, 42)
	require.NoError(t, err)
	assert.True(t, obs[0].Passed)
}

func TestRun_IsolatedPythonCannotReadHostFiles(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret"), 0o644))

	code := fmt.Sprintf("def f(x):\n    with open(%q) as fh:\n        return fh.read()\n", secret)
	obs, err := runIsolatedPython(t, code, 0, "s3cret")
	assert.Nil(t, obs)
	var fault *RuntimeFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "FileNotFoundError", fault.Type)

	_, err = runIsolatedPython(t, "def f(x):\n    with open('/etc/passwd') as fh:\n        return fh.read()\n", 0, "")
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "FileNotFoundError", fault.Type)
}

func TestRun_IsolatedPythonCannotWriteFiles(t *testing.T) {
	target := filepath.Join(t.TempDir(), "planted.txt")
	tests := map[string]string{
		"host path": target,
		"jail root": "/planted.txt",
		"usr":       "/usr/planted.txt",
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			code := fmt.Sprintf("def f(x):\n    with open(%q, 'w') as fh:\n        fh.write('x')\n    return x\n", path)
			obs, err := runIsolatedPython(t, code, 1, 1)
			assert.Nil(t, obs)
			var fault *RuntimeFault
			require.ErrorAs(t, err, &fault)
		})
	}
	assert.NoFileExists(t, target)
	assert.NoFileExists(t, "/usr/planted.txt")
}

func TestRun_IsolatedPythonCannotOpenSockets(t *testing.T) {
	code := "import socket\ndef f(x):\n    s = socket.socket(socket.AF_INET, socket.SOCK_STREAM)\n    s.connect(('127.0.0.1', 9))\n    return x\n"
	obs, err := runIsolatedPython(t, code, 1, 1)
	assert.Nil(t, obs)
	var fault *RuntimeFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "PermissionError", fault.Type)
}

func TestRun_IsolatedPythonCannotStartProcesses(t *testing.T) {
	tests := map[string]string{
		"fork":       "import os\ndef f(x):\n    pid = os.fork()\n    if pid == 0:\n        os._exit(0)\n    return x\n",
		"subprocess": "import subprocess\ndef f(x):\n    return subprocess.run(['id'], capture_output=True).stdout.decode()\n",
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			obs, err := runIsolatedPython(t, code, 1, 1)
			assert.Nil(t, obs)
			var fault *RuntimeFault
			require.ErrorAs(t, err, &fault)
			assert.NotEqual(t, "SystemExit", fault.Type)
		})
	}
}
