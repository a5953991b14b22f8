// Package validator checks a learner's submission against a checkpoint:
// quality, structure, sandboxed execution, then correctness.
package validator

import (
	"context"

	"codecoach/internal/checkpoint"
	"codecoach/internal/feedback"
	"codecoach/internal/inspect"
	"codecoach/internal/logging"
	"codecoach/internal/sandbox"
)

// Runner executes a submission. *sandbox.Runner implements it.
type Runner interface {
	Run(ctx context.Context, sub sandbox.Submission) ([]sandbox.Observation, error)
}

// Options tune the gates.
type Options struct {
	// StrictSignature fails submissions whose first callable does not
	// match the checkpoint's declared name and parameter count.
	StrictSignature bool
	// MaxDisclosed caps the failing cases shown to the learner.
	MaxDisclosed int
	// MinCodeLength is the fewest non-space characters accepted.
	MinCodeLength int
}

// Validator runs the validation pipeline. It is safe for concurrent use.
type Validator struct {
	runner   Runner
	opts     Options
	composer feedback.Composer
}

// New returns a Validator that executes code with runner.
func New(runner Runner, opts Options) *Validator {
	if opts.MinCodeLength <= 0 {
		opts.MinCodeLength = inspect.DefaultMinLength
	}
	return &Validator{
		runner:   runner,
		opts:     opts,
		composer: feedback.Composer{MaxDisclosed: opts.MaxDisclosed},
	}
}

// Validate returns the outcome for code against cp. Every failure,
// including a sandbox that could not run, is reported in the outcome.
func (v *Validator) Validate(ctx context.Context, code string, cp checkpoint.Checkpoint) (out feedback.Outcome) {
	timer := logging.StartTimer(logging.CategoryFeedback, "Validate submission")
	defer func() {
		logging.Audit().Verdict(string(out.Stage), out.Passed, timer.Stop())
	}()

	lang := cp.Language
	if lang == "" {
		lang = inspect.Python
	}

	quality := inspect.QualityWithMin(ctx, lang, code, v.opts.MinCodeLength)
	if len(quality) > 0 {
		return v.composer.Compose(quality, feedback.SignatureResult{}, feedback.ExecutionResult{})
	}

	sig, err := inspect.Inspect(ctx, lang, code)
	if err == nil && v.opts.StrictSignature {
		err = inspect.CheckDeclared(sig, cp.FunctionSignature)
	}
	sigResult := feedback.SignatureResult{Signature: sig, Err: err}
	if err != nil {
		return v.composer.Compose(nil, sigResult, feedback.ExecutionResult{})
	}

	inputs, expected := cp.Cases()
	obs, err := v.runner.Run(ctx, sandbox.Submission{
		Language: lang,
		Code:     code,
		Callable: sig.Name,
		Inputs:   inputs,
		Expected: expected,
	})
	if err != nil && !feedback.IsLearnerFault(err) {
		logging.SandboxError("Sandbox failed for checkpoint %d: %v", cp.Index, err)
	}
	return v.composer.Compose(nil, sigResult, feedback.ExecutionResult{Observations: obs, Err: err})
}
