package sandbox

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"codecoach/internal/tactile"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizer_Clean(t *testing.T) {
	t.Setenv("COACH_TEST_SECRET", "s3cr3t-value-xyz")
	s := newSanitizer("/tmp/coach-run-1234", "/opt/coach/bin/coach")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "ZeroDivisionError: division by zero", "ZeroDivisionError: division by zero"},
		{"run dir", "cannot open /tmp/coach-run-1234/payload.json", "cannot open <hidden>/payload.json"},
		{"other path", "No such file: /home/alice/notes.txt", "No such file: <path>"},
		{"env value", "token was s3cr3t-value-xyz", "token was <hidden>"},
		{
			"traceback frames",
			"Traceback (most recent call last):\n  File \"<submission>\", line 2, in f\nValueError: bad",
			"ValueError: bad",
		},
		{"whitespace", "  a\n\n   b  ", "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.clean(tt.in))
		})
	}
}

func TestSanitizer_CapsLength(t *testing.T) {
	s := newSanitizer()
	out := s.clean(strings.Repeat("x ", 1000))
	assert.Equal(t, maxMessageRunes+3, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestNormalizeAndEqual(t *testing.T) {
	a, err := Normalize([]any{1, int64(2), 3.0, map[string]any{"k": []int{4}}})
	require.NoError(t, err)
	b, err := decode(json.RawMessage(`[1, 2, 3, {"k": [4]}]`))
	require.NoError(t, err)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("normalized values differ (-want +got):\n%s", diff)
	}
	assert.True(t, Equal(a, b))

	c, _ := Normalize([]any{1, 2})
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(float64(1), "1"))

	_, err = Normalize(func() {})
	assert.Error(t, err)
}

func TestFindReport(t *testing.T) {
	rep, ok := findReport("noise\n\ntok {\"results\":[1,2]}\n\n", "tok")
	require.True(t, ok)
	assert.Len(t, rep.Results, 2)

	// Untagged or wrongly tagged lines are output, not reports.
	_, ok = findReport("{\"results\":[1,2]}\n", "tok")
	assert.False(t, ok)
	_, ok = findReport("other {\"results\":[1]}\n", "tok")
	assert.False(t, ok)
	_, ok = findReport("tok {\"results\":[1]}\n", "")
	assert.False(t, ok)

	// The worker's line comes last; an earlier tagged line loses.
	rep, ok = findReport("tok {\"results\":[9]}\ntok {\"results\":[1,2,3]}\n", "tok")
	require.True(t, ok)
	assert.Len(t, rep.Results, 3)

	_, ok = findReport("tok not json\n", "tok")
	assert.False(t, ok)
	_, ok = findReport("", "tok")
	assert.False(t, ok)
}

func TestReadToken(t *testing.T) {
	token, err := readToken(strings.NewReader("abc-123\nrest"))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", token)

	token, err = readToken(strings.NewReader("abc-123"))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", token)

	for _, in := range []string{"", "\n", "two words\n"} {
		_, err := readToken(strings.NewReader(in))
		assert.Error(t, err, "input %q", in)
	}
	_, err = readToken(nil)
	assert.Error(t, err)
}

func TestChildReport(t *testing.T) {
	rep := childReport([]byte(`{"results":[1,2]}`))
	assert.Nil(t, rep.Fault)
	assert.Len(t, rep.Results, 2)

	for _, data := range []string{"", "garbage", "{}"} {
		rep := childReport([]byte(data))
		require.NotNil(t, rep.Fault, "data %q", data)
		assert.Equal(t, "SystemExit", rep.Fault.Type)
		assert.NotNil(t, rep.Results)
	}

	rep = childReport(make([]byte, maxReportBytes+1))
	require.NotNil(t, rep.Fault)
	assert.Equal(t, "resource", rep.Fault.Kind)
	assert.Equal(t, LimitOutput, rep.Fault.Type)
}

func TestWriteReport(t *testing.T) {
	var buf strings.Builder
	require.NoError(t, writeReport(&buf, "tok", &report{Results: []json.RawMessage{json.RawMessage("5")}}))
	assert.Equal(t, "\ntok {\"results\":[5]}\n", buf.String())

	rep, ok := findReport("learner noise"+buf.String(), "tok")
	require.True(t, ok)
	assert.Equal(t, []json.RawMessage{json.RawMessage("5")}, rep.Results)
}

func TestClassify(t *testing.T) {
	r := &Runner{cfg: DefaultConfig()}
	s := newSanitizer()
	ctx := t.Context()

	tests := []struct {
		name      string
		res       tactile.ExecutionResult
		wantLimit string
		wantFault string
	}{
		{name: "timeout", res: tactile.ExecutionResult{Killed: true}, wantLimit: LimitTime},
		{name: "output", res: tactile.ExecutionResult{Truncated: true}, wantLimit: LimitOutput},
		{name: "cpu soft", res: tactile.ExecutionResult{Signal: "SIGXCPU"}, wantLimit: LimitCPU},
		{
			name:      "cpu hard",
			res:       tactile.ExecutionResult{Signal: "SIGKILL", ResourceUsage: &tactile.ResourceUsage{UserTimeMs: 4000}},
			wantLimit: LimitCPU,
		},
		{name: "oom", res: tactile.ExecutionResult{Signal: "SIGKILL"}, wantLimit: LimitMemory},
		{name: "docker oom", res: tactile.ExecutionResult{ExitCode: 137, SandboxUsed: tactile.SandboxDocker}, wantLimit: LimitMemory},
		{name: "segv", res: tactile.ExecutionResult{Signal: "SIGSEGV"}, wantFault: "Crash"},
		{name: "memory error", res: tactile.ExecutionResult{ExitCode: 1, Stderr: "MemoryError"}, wantLimit: LimitMemory},
		{name: "stack overflow", res: tactile.ExecutionResult{ExitCode: 2, Stderr: "runtime: goroutine stack exceeds 67108864-byte limit\nfatal error: stack overflow"}, wantLimit: LimitRecursion},
		{name: "no report", res: tactile.ExecutionResult{ExitCode: 1, Stderr: "something broke"}, wantFault: "WorkerError"},
		{
			name:      "recursion",
			res:       tactile.ExecutionResult{Stdout: `tok {"results":[],"fault":{"kind":"resource","type":"RecursionError","message":"max depth"}}`},
			wantLimit: LimitRecursion,
		},
		{
			name:      "child cpu",
			res:       tactile.ExecutionResult{Stdout: `tok {"results":[],"fault":{"kind":"resource","type":"cpu"}}`},
			wantLimit: LimitCPU,
		},
		{
			name:      "child memory",
			res:       tactile.ExecutionResult{Stdout: `tok {"results":[],"fault":{"kind":"resource","type":"MemoryError"}}`},
			wantLimit: LimitMemory,
		},
		{
			name:      "runtime",
			res:       tactile.ExecutionResult{Stdout: `tok {"results":[],"fault":{"kind":"runtime","type":"KeyError","message":"'x'"}}`},
			wantFault: "KeyError",
		},
		{
			name:      "untagged report",
			res:       tactile.ExecutionResult{Stdout: "\n{\"results\":[5]}\n"},
			wantFault: "WorkerError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.res
			_, err := r.classify(ctx, &res, "tok", s)
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrUnavailable))
			if tt.wantLimit != "" {
				var re *ResourceExceeded
				require.ErrorAs(t, err, &re)
				assert.Equal(t, tt.wantLimit, re.Limit)
				return
			}
			var fault *RuntimeFault
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, tt.wantFault, fault.Type)
		})
	}

	t.Run("worker setup failure", func(t *testing.T) {
		res := tactile.ExecutionResult{ExitCode: 2, Stderr: WorkerErrorPrefix + "python interpreter not found"}
		_, err := r.classify(ctx, &res, "tok", s)
		require.ErrorIs(t, err, ErrUnavailable)
		var fault *RuntimeFault
		assert.False(t, errors.As(err, &fault))
		assert.False(t, IsLimit(err))
	})

	t.Run("confinement failure", func(t *testing.T) {
		res := tactile.ExecutionResult{Stdout: `tok {"results":[],"fault":{"kind":"setup","type":"OSError","message":"prctl(PR_SET_SECCOMP)"}}`}
		_, err := r.classify(ctx, &res, "tok", s)
		require.ErrorIs(t, err, ErrUnavailable)
		var fault *RuntimeFault
		assert.False(t, errors.As(err, &fault))
		assert.False(t, IsLimit(err))
	})

	t.Run("report", func(t *testing.T) {
		res := tactile.ExecutionResult{Stdout: "{\"results\":[1,1]}\ntok {\"results\":[5]}\n"}
		rep, err := r.classify(ctx, &res, "tok", s)
		require.NoError(t, err)
		assert.Len(t, rep.Results, 1)
	})
}

func TestPrepareGo(t *testing.T) {
	src, pkg, err := prepareGo("func F() int { return 1 }")
	require.NoError(t, err)
	assert.Equal(t, "main", pkg)
	assert.True(t, strings.HasPrefix(src, "package main"))

	_, pkg, err = prepareGo("package solution\n\nimport \"strings\"\n\nfunc F(s string) string { return strings.ToUpper(s) }\n")
	require.NoError(t, err)
	assert.Equal(t, "solution", pkg)

	_, _, err = prepareGo("package main\n\nimport (\n\t\"net/http\"\n\t\"os/exec\"\n)\n")
	require.Error(t, err)
	assert.Equal(t, `import of "net/http", "os/exec" is not allowed`, err.Error())
}

func TestGoSymbolsAllowList(t *testing.T) {
	syms := goSymbols()
	assert.Contains(t, syms, "strings/strings")
	assert.Contains(t, syms, "fmt/fmt")
	assert.NotContains(t, syms, "os/os")
	assert.NotContains(t, syms, "os/exec/exec")
	assert.NotContains(t, syms, "net/http/http")
}

func TestCallGo_Binding(t *testing.T) {
	sum := func(xs ...int) int {
		total := 0
		for _, x := range xs {
			total += x
		}
		return total
	}
	pair := func(a int, b string) string { return strings.Repeat(b, a) }
	lookup := func(m map[string]int) int { return m["k"] }
	length := func(xs []string) int { return len(xs) }
	divide := func(a, b int) (int, error) {
		if b == 0 {
			return 0, errors.New("divide by zero")
		}
		return a / b, nil
	}

	tests := []struct {
		name      string
		fn        any
		input     string
		want      string
		wantFault string
	}{
		{"variadic spread", sum, `[1, 2, 3]`, `6`, ""},
		{"positional", pair, `[2, "ab"]`, `"abab"`, ""},
		{"object", lookup, `{"k": 7}`, `7`, ""},
		{"array as sole argument", length, `["a", "b", "c"]`, `3`, ""},
		{"wrapped array", length, `[["a", "b"]]`, `2`, ""},
		{"arity", pair, `[1]`, "", "TypeError"},
		{"type", pair, `["x", "y"]`, "", "TypeError"},
		{"error result", divide, `[1, 0]`, "", "error"},
		{"success with nil error", divide, `[6, 3]`, `2`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, fault := callGo(reflect.ValueOf(tt.fn), json.RawMessage(tt.input))
			if tt.wantFault != "" {
				require.NotNil(t, fault)
				assert.Equal(t, tt.wantFault, fault.Type)
				return
			}
			require.Nil(t, fault)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestCallGo_RecoversPanic(t *testing.T) {
	boom := func(int) int { panic("boom") }
	_, fault := callGo(reflect.ValueOf(boom), json.RawMessage(`1`))
	require.NotNil(t, fault)
	assert.Equal(t, "panic", fault.Type)
	assert.Equal(t, "boom", fault.Message)
}
