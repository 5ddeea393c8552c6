// Package validator runs the sequential generate/build/execute/evaluate loop
// that proves or disproves findings.
package validator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kingrea/lattice-audit/internal/finding"
)

// Candidate is generated validation code for one attempt.
type Candidate struct {
	Name   string
	Source []byte
}

// BuildResult is a compiled candidate ready to execute.
type BuildResult struct {
	Candidate Candidate
	// Artifact locates the built output for the toolchain, if it has one.
	Artifact string
	Output   string
	Duration time.Duration
}

// ExecutionResult is what running a built candidate produced.
type ExecutionResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Generator produces candidate validation code from a finding's attack
// scenario. previous holds the failed attempts so far, newest last.
type Generator interface {
	Generate(ctx context.Context, f *finding.Finding, previous []finding.Attempt) (Candidate, error)
}

// Toolchain builds and executes candidates.
type Toolchain interface {
	Build(ctx context.Context, c Candidate) (BuildResult, error)
	Execute(ctx context.Context, b BuildResult, timeout time.Duration) (ExecutionResult, error)
}

// Verdict is the evaluator's judgement of one execution.
type Verdict struct {
	Outcome    finding.Outcome
	Kind       finding.ErrorKind
	Diagnostic string
}

// Evaluator decides whether an execution proves the exploit.
type Evaluator interface {
	Evaluate(f *finding.Finding, res ExecutionResult) Verdict
}

// ToolError classifies a toolchain or generator failure.
type ToolError struct {
	Kind   finding.ErrorKind
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// classify maps a stage error onto a failure kind. Errors that carry no
// classification fall back to def.
func classify(err error, def finding.ErrorKind) (finding.ErrorKind, string) {
	var terr *ToolError
	if errors.As(err, &terr) {
		diag := err.Error()
		if terr.Output != "" {
			diag = diag + "\n" + terr.Output
		}
		if !slices.Contains(finding.ErrorKinds(), terr.Kind) {
			return def, diag
		}
		return terr.Kind, diag
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return finding.Timeout, err.Error()
	}
	return def, err.Error()
}
