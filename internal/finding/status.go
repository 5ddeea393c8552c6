package finding

import "fmt"

// Status is the validation state of a finding.
type Status string

const (
	Unvalidated Status = "unvalidated"
	Validated   Status = "validated"
	Invalidated Status = "invalidated"
	NeedsReview Status = "needs-review"
)

// Statuses lists every status in report order.
func Statuses() []Status {
	return []Status{Validated, NeedsReview, Invalidated, Unvalidated}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Unvalidated, Validated, Invalidated, NeedsReview:
		return true
	}
	return false
}

// Terminal reports whether the status is immutable under automatic
// validation.
func (s Status) Terminal() bool {
	return s == Validated || s == Invalidated
}

// Settled reports whether validation has nothing further to do.
// NeedsReview is settled but may still change through an override.
func (s Status) Settled() bool {
	return s.Terminal() || s == NeedsReview
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, error) {
	s := Status(value)
	if !s.Valid() {
		return "", fmt.Errorf("finding: unknown status %q", value)
	}
	return s, nil
}

// ErrorKind classifies a failed validation attempt.
type ErrorKind string

const (
	SetupError       ErrorKind = "setup-error"
	CompileError     ErrorKind = "compile-error"
	RuntimeRevert    ErrorKind = "runtime-revert"
	AssertionFailure ErrorKind = "assertion-failure"
	Timeout          ErrorKind = "timeout"
)

// ErrorKinds lists every failure classification.
func ErrorKinds() []ErrorKind {
	return []ErrorKind{SetupError, CompileError, RuntimeRevert, AssertionFailure, Timeout}
}

// Stage names the step of an attempt that produced its outcome.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageBuild    Stage = "build"
	StageExecute  Stage = "execute"
	StageEvaluate Stage = "evaluate"
)

// Outcome is the result of a single attempt.
type Outcome string

const (
	// OutcomeFailed did not resolve the finding; Kind says why.
	OutcomeFailed Outcome = "failed"
	// OutcomeProven demonstrated attacker gain or victim loss.
	OutcomeProven Outcome = "proven"
	// OutcomeDisproved demonstrated the claimed loss cannot occur.
	OutcomeDisproved Outcome = "disproved"
)
