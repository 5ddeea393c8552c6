package validator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// DefaultTimeout bounds a single candidate execution.
const DefaultTimeout = 2 * time.Minute

// TranscriptNamespace holds full per-attempt transcripts.
var TranscriptNamespace = artifact.Namespace(workflow.MetaDir + "/" + workflow.ValidationDir)

// AttemptEvent is published after every recorded attempt, and once for
// findings settled without attempts.
type AttemptEvent struct {
	Finding finding.ID
	Attempt *finding.Attempt
	Status  finding.Status
}

// FindingResult summarizes validation of one finding.
type FindingResult struct {
	ID       string              `json:"id"`
	Status   finding.Status      `json:"status"`
	Attempts int                 `json:"attempts"`
	Kinds    []finding.ErrorKind `json:"kinds,omitempty"`
}

// Summary summarizes a validation phase.
type Summary struct {
	Results []FindingResult `json:"results"`
}

// Count returns how many processed findings ended in status.
func (s Summary) Count(status finding.Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Validator processes Unvalidated findings one at a time.
type Validator struct {
	repo      *finding.Repository
	store     *artifact.Store
	generator Generator
	toolchain Toolchain
	evaluator Evaluator
	limit     int
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
	observer  func(AttemptEvent)
}

// Option customizes a Validator.
type Option func(*Validator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithClock injects the clock used for attempt timestamps.
func WithClock(clock func() time.Time) Option {
	return func(v *Validator) {
		if clock != nil {
			v.now = clock
		}
	}
}

// WithMaxAttempts lowers the per-finding attempt limit. Values outside
// [1, finding.MaxAttempts] use the ceiling.
func WithMaxAttempts(n int) Option {
	return func(v *Validator) {
		v.limit = finding.ClampAttempts(n)
	}
}

// WithTimeout sets the execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithEvaluator replaces the default proof evaluator.
func WithEvaluator(e Evaluator) Option {
	return func(v *Validator) {
		if e != nil {
			v.evaluator = e
		}
	}
}

// WithObserver registers a callback for attempt events.
func WithObserver(fn func(AttemptEvent)) Option {
	return func(v *Validator) {
		v.observer = fn
	}
}

// New builds a validator.
func New(repo *finding.Repository, store *artifact.Store, gen Generator, tc Toolchain, opts ...Option) *Validator {
	v := &Validator{
		repo:      repo,
		store:     store,
		generator: gen,
		toolchain: tc,
		evaluator: ProofEvaluator{},
		limit:     finding.MaxAttempts,
		timeout:   DefaultTimeout,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Pending returns the Unvalidated findings in processing order.
func (v *Validator) Pending() ([]*finding.Finding, error) {
	all, err := v.repo.All()
	if err != nil {
		return nil, err
	}
	var out []*finding.Finding
	for _, f := range all {
		if f.Status == finding.Unvalidated {
			out = append(out, f)
		}
	}
	return out, nil
}

// Run validates every pending finding in order, strictly sequentially. A
// cancelled context stops the loop without recording the interrupted attempt.
func (v *Validator) Run(ctx context.Context) (Summary, error) {
	pending, err := v.Pending()
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := v.Validate(ctx, f); err != nil {
			return summary, err
		}
		res := FindingResult{ID: f.ID.String(), Status: f.Status, Attempts: f.AttemptCount()}
		for _, a := range f.Attempts {
			if a.Kind != "" {
				res.Kinds = append(res.Kinds, a.Kind)
			}
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

// Validate drives one finding to Validated, Invalidated or NeedsReview,
// saving it after every attempt.
func (v *Validator) Validate(ctx context.Context, f *finding.Finding) error {
	log := v.logger.With(zap.String("finding", f.ID.String()))
	if f.Status != finding.Unvalidated {
		return nil
	}
	if !f.HasAttackScenario() {
		f.Status = finding.NeedsReview
		if err := v.repo.Save(f); err != nil {
			return fmt.Errorf("validator: save %s: %w", f.ID, err)
		}
		log.Warn("finding has no attack scenario; needs review")
		v.publish(AttemptEvent{Finding: f.ID, Status: f.Status})
		return nil
	}
	for f.Status == finding.Unvalidated {
		n := f.AttemptCount() + 1
		attempt, transcript := v.attempt(ctx, f, n)
		if err := ctx.Err(); err != nil {
			log.Info("validation cancelled", zap.Int("attempt", n))
			return err
		}
		if err := f.AppendAttempt(attempt, v.limit); err != nil {
			return err
		}
		v.writeTranscript(f.ID, n, transcript, log)
		if err := v.repo.Save(f); err != nil {
			return fmt.Errorf("validator: save %s: %w", f.ID, err)
		}
		log.Info("attempt recorded",
			zap.Int("attempt", n),
			zap.String("stage", string(attempt.Stage)),
			zap.String("outcome", string(attempt.Outcome)),
			zap.String("kind", string(attempt.Kind)),
			zap.String("status", string(f.Status)),
		)
		recorded := attempt
		v.publish(AttemptEvent{Finding: f.ID, Attempt: &recorded, Status: f.Status})
	}
	return nil
}

func (v *Validator) attempt(ctx context.Context, f *finding.Finding, n int) (finding.Attempt, string) {
	a := finding.Attempt{Number: n, At: v.now().UTC()}
	var transcript strings.Builder
	fmt.Fprintf(&transcript, "finding: %s\nattempt: %d\n", f.ID, n)
	fail := func(stage finding.Stage, err error, def finding.ErrorKind) (finding.Attempt, string) {
		a.Stage = stage
		a.Outcome = finding.OutcomeFailed
		kind, diag := classify(err, def)
		a.Kind = kind
		a.Diagnostic = tail(diag)
		fmt.Fprintf(&transcript, "\n[%s] %s\n%s\n", stage, kind, diag)
		return a, transcript.String()
	}

	cand, err := v.generator.Generate(ctx, f, f.Attempts)
	if err != nil {
		return fail(finding.StageGenerate, err, finding.SetupError)
	}
	fmt.Fprintf(&transcript, "\n[generate] %s\n%s\n", cand.Name, cand.Source)

	build, err := v.toolchain.Build(ctx, cand)
	if err != nil {
		return fail(finding.StageBuild, err, finding.CompileError)
	}
	fmt.Fprintf(&transcript, "\n[build] ok\n%s\n", build.Output)

	res, err := v.toolchain.Execute(ctx, build, v.timeout)
	if err != nil {
		return fail(finding.StageExecute, err, finding.RuntimeRevert)
	}
	fmt.Fprintf(&transcript, "\n[execute] exit %d\n%s\n", res.ExitCode, res.Output)

	verdict := v.evaluator.Evaluate(f, res)
	a.Stage = finding.StageEvaluate
	a.Outcome = verdict.Outcome
	a.Kind = verdict.Kind
	a.Diagnostic = tail(verdict.Diagnostic)
	fmt.Fprintf(&transcript, "\n[evaluate] %s %s\n%s\n", verdict.Outcome, verdict.Kind, verdict.Diagnostic)
	return a, transcript.String()
}

func (v *Validator) writeTranscript(id finding.ID, n int, transcript string, log *zap.Logger) {
	key := CandidateName(id, n) + ".log"
	if err := v.store.Writer("validator", TranscriptNamespace).Put(TranscriptNamespace, key, []byte(transcript)); err != nil {
		log.Warn("transcript write failed", zap.String("key", key), zap.Error(err))
	}
}

func (v *Validator) publish(ev AttemptEvent) {
	if v.observer != nil {
		v.observer(ev)
	}
}
