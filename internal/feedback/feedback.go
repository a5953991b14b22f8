// Package feedback turns the results of the validation stages into the
// message a learner sees.
package feedback

import (
	"encoding/json"
	"errors"
	"fmt"

	"codecoach/internal/inspect"
	"codecoach/internal/logging"
	"codecoach/internal/sandbox"
)

// DefaultMaxDisclosed caps how many failing cases are shown, so a hidden
// test suite cannot be reconstructed by probing.
const DefaultMaxDisclosed = 2

const (
	MessageQuality     = "Please fix the following issues:"
	MessageSignature   = "Function signature is incorrect"
	MessageError       = "Your code has an error"
	MessageFailed      = "Some test cases failed"
	MessagePassed      = "Excellent work! All tests passed."
	MessageUnavailable = "Your code could not be checked right now"
	HintRetry          = "Check your logic and try again"
	HintReview         = "Review the requirements and try different logic"
	HintNoCallable     = "No function definition found"
	HintResource       = "Your code ran too long or used too much memory"
	HintSandboxFailure = "This was not caused by your code; please submit again shortly"
)

// Stage names the gate that decided an outcome.
type Stage string

const (
	StageQuality     Stage = "quality"
	StageStructure   Stage = "structure"
	StageExecution   Stage = "execution"
	StageCorrectness Stage = "correctness"
	StagePassed      Stage = "passed"
	// StageUnavailable means the sandbox itself failed; the submission was
	// not judged.
	StageUnavailable Stage = "unavailable"
)

// SignatureResult is what the structural inspector returned.
type SignatureResult struct {
	Signature *inspect.Signature
	Err       error
}

// ExecutionResult is what the sandbox returned.
type ExecutionResult struct {
	Observations []sandbox.Observation
	Err          error
}

// Outcome is the learner-facing verdict.
type Outcome struct {
	Passed  bool     `json:"passed"`
	Message string   `json:"message"`
	Hints   []string `json:"hints"`
	Stage   Stage    `json:"stage"`
	// PerTest holds only the cases the learner may see: every case of a
	// passing run, or the disclosed failures of a failing one.
	PerTest []sandbox.Observation `json:"per_test,omitempty"`
	// Function is the callable the inspector found, when it got that far.
	Function *inspect.Signature `json:"function,omitempty"`

	// Observations is every case of the run, hidden ones included. It is
	// never serialized.
	Observations []sandbox.Observation `json:"-"`
}

// Composer builds outcomes. The zero value discloses DefaultMaxDisclosed
// failing cases.
type Composer struct {
	MaxDisclosed int
}

// Compose applies the gates with the default disclosure cap.
func Compose(quality []string, sig SignatureResult, exec ExecutionResult) Outcome {
	return Composer{}.Compose(quality, sig, exec)
}

// Compose checks quality, structure, execution and correctness in that
// order; the first failing gate decides the outcome.
func (c Composer) Compose(quality []string, sig SignatureResult, exec ExecutionResult) Outcome {
	out := c.compose(quality, sig, exec)
	logging.Feedback("Outcome: stage=%s passed=%v hints=%d", out.Stage, out.Passed, len(out.Hints))
	return out
}

func (c Composer) compose(quality []string, sig SignatureResult, exec ExecutionResult) Outcome {
	if len(quality) > 0 {
		return Outcome{
			Message: MessageQuality,
			Hints:   append([]string(nil), quality...),
			Stage:   StageQuality,
		}
	}

	if sig.Err != nil || sig.Signature == nil {
		return Outcome{
			Message: MessageSignature,
			Hints:   []string{structuralHint(sig.Err)},
			Stage:   StageStructure,
		}
	}

	if exec.Err != nil && !IsLearnerFault(exec.Err) {
		return Outcome{
			Message:  MessageUnavailable,
			Hints:    []string{HintSandboxFailure},
			Stage:    StageUnavailable,
			Function: sig.Signature,
		}
	}
	if exec.Err != nil {
		return Outcome{
			Message:  MessageError,
			Hints:    []string{executionHint(exec.Err), HintRetry},
			Stage:    StageExecution,
			Function: sig.Signature,
		}
	}

	limit := c.MaxDisclosed
	if limit <= 0 {
		limit = DefaultMaxDisclosed
	}
	var (
		hints     []string
		disclosed []sandbox.Observation
	)
	for _, o := range exec.Observations {
		if o.Passed || len(disclosed) == limit {
			continue
		}
		disclosed = append(disclosed, o)
		hints = append(hints, fmt.Sprintf("For input %s, expected %s but got %s",
			Format(o.Input), Format(o.Expected), Format(o.Actual)))
	}
	if len(hints) > 0 {
		return Outcome{
			Message:      MessageFailed,
			Hints:        append(hints, HintReview),
			Stage:        StageCorrectness,
			PerTest:      disclosed,
			Function:     sig.Signature,
			Observations: exec.Observations,
		}
	}

	return Outcome{
		Passed:       true,
		Message:      MessagePassed,
		Hints:        []string{},
		Stage:        StagePassed,
		PerTest:      exec.Observations,
		Function:     sig.Signature,
		Observations: exec.Observations,
	}
}

func structuralHint(err error) string {
	var syntax *inspect.SyntaxError
	switch {
	case err == nil, errors.Is(err, inspect.ErrNoCallable):
		return HintNoCallable
	case errors.As(err, &syntax):
		return "Syntax error: " + syntax.Error()
	}
	return err.Error()
}

// IsLearnerFault reports whether err was caused by the submitted code rather
// than by the sandbox.
func IsLearnerFault(err error) bool {
	var fault *sandbox.RuntimeFault
	return errors.As(err, &fault) || sandbox.IsLimit(err)
}

func executionHint(err error) string {
	var fault *sandbox.RuntimeFault
	if errors.As(err, &fault) {
		if fault.Message == "" {
			return fault.Type
		}
		return fault.Error()
	}
	return HintResource
}

// Format renders a test value compactly as JSON.
func Format(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
