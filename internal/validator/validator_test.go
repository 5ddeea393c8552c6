package validator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// step scripts one attempt: a build error, an execute error, or an
// execution result handed to the evaluator.
type step struct {
	buildErr error
	execErr  error
	result   ExecutionResult
}

type scriptedToolchain struct {
	mu      sync.Mutex
	steps   map[string][]step
	calls   []string
	onExec  func()
	timeout time.Duration
}

func scriptKey(name string) string {
	return name[:strings.LastIndex(name, "_a")]
}

func (s *scriptedToolchain) Build(ctx context.Context, c Candidate) (BuildResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c.Name)
	key := scriptKey(c.Name)
	queue := s.steps[key]
	if len(queue) == 0 {
		return BuildResult{Candidate: c}, errors.New("script exhausted")
	}
	if queue[0].buildErr != nil {
		s.steps[key] = queue[1:]
		return BuildResult{Candidate: c}, queue[0].buildErr
	}
	return BuildResult{Candidate: c, Output: "compiled"}, nil
}

func (s *scriptedToolchain) Execute(ctx context.Context, b BuildResult, timeout time.Duration) (ExecutionResult, error) {
	s.mu.Lock()
	s.timeout = timeout
	key := scriptKey(b.Candidate.Name)
	st := s.steps[key][0]
	s.steps[key] = s.steps[key][1:]
	s.mu.Unlock()
	if s.onExec != nil {
		s.onExec()
	}
	return st.result, st.execErr
}

type recordingGenerator struct {
	mu       sync.Mutex
	inner    *ScenarioGenerator
	order    []string
	feedback map[string][]string
}

func (g *recordingGenerator) Generate(ctx context.Context, f *finding.Finding, previous []finding.Attempt) (Candidate, error) {
	g.mu.Lock()
	g.order = append(g.order, f.ID.String())
	if g.feedback == nil {
		g.feedback = map[string][]string{}
	}
	g.feedback[f.ID.String()] = append(g.feedback[f.ID.String()], feedback(previous))
	g.mu.Unlock()
	return g.inner.Generate(ctx, f, previous)
}

func compileErr() error {
	return &ToolError{Kind: finding.CompileError, Output: "Error: undeclared identifier", Err: errors.New("build exited with status 1")}
}

func timeoutErr() error {
	return &ToolError{Kind: finding.Timeout, Err: context.DeadlineExceeded}
}

func proven() ExecutionResult {
	return ExecutionResult{Output: "[PASS]\nATTACKER_GAIN: 100 ether", ExitCode: 0}
}

type fixture struct {
	store *artifact.Store
	repo  *finding.Repository
	gen   *recordingGenerator
	tc    *scriptedToolchain
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws := workflow.NewWorkspace(t.TempDir())
	if err := ws.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	store := artifact.NewStore(ws)
	inner, err := NewScenarioGenerator("")
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	return &fixture{
		store: store,
		repo:  finding.NewRepository(store),
		gen:   &recordingGenerator{inner: inner},
		tc:    &scriptedToolchain{steps: map[string][]step{}},
	}
}

func (fx *fixture) addFinding(t *testing.T, id finding.ID, scenario string, steps ...step) {
	t.Helper()
	f := finding.FromDraft(id, finding.Draft{
		Severity:       id.Severity,
		Title:          "finding " + id.String(),
		Summary:        "summary",
		Detail:         "at src/Pool.sol:10",
		Impact:         "impact",
		AttackScenario: scenario,
	})
	// write directly so a finding without scenario can stay Unvalidated
	content, err := finding.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := fx.store.Put(finding.Namespace(id), f.Key(), content); err != nil {
		t.Fatalf("put: %v", err)
	}
	fx.tc.steps[scriptKey(CandidateName(id, 1))] = steps
}

func (fx *fixture) validator(opts ...Option) *Validator {
	return New(fx.repo, fx.store, fx.gen, fx.tc, opts...)
}

func TestCompileErrorsThenSuccessIsValidated(t *testing.T) {
	fx := newFixture(t)
	id := finding.ID{Severity: finding.High, Category: "access-control", Sequence: 1}
	fx.addFinding(t, id, "call withdraw", step{buildErr: compileErr()}, step{buildErr: compileErr()}, step{result: proven()})
	summary, err := fx.validator().Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	f, err := fx.repo.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Status != finding.Validated || f.AttemptCount() != 3 {
		t.Fatalf("expected validated after 3 attempts, got %s/%d", f.Status, f.AttemptCount())
	}
	kinds := []finding.ErrorKind{f.Attempts[0].Kind, f.Attempts[1].Kind, f.Attempts[2].Kind}
	if diff := cmp.Diff([]finding.ErrorKind{finding.CompileError, finding.CompileError, ""}, kinds); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if f.Attempts[2].Outcome != finding.OutcomeProven || f.Attempts[2].Stage != finding.StageEvaluate {
		t.Fatalf("unexpected final attempt %+v", f.Attempts[2])
	}
	if summary.Count(finding.Validated) != 1 {
		t.Fatalf("summary mismatch %+v", summary)
	}
	fb := fx.gen.feedback[id.String()]
	if fb[0] != "" || !strings.Contains(fb[1], "compile-error at build") || !strings.Contains(fb[1], "undeclared identifier") {
		t.Fatalf("diagnostics should feed the next generation: %q", fb)
	}
	keys, _ := fx.store.List(TranscriptNamespace)
	if len(keys) != 3 {
		t.Fatalf("expected 3 transcripts, got %v", keys)
	}
}

func TestThreeTimeoutsIsNeedsReview(t *testing.T) {
	fx := newFixture(t)
	id := finding.ID{Severity: finding.Medium, Category: "denial-of-service", Sequence: 1}
	fx.addFinding(t, id, "grow the array", step{execErr: timeoutErr()}, step{execErr: timeoutErr()}, step{execErr: timeoutErr()}, step{result: proven()})
	if _, err := fx.validator(WithTimeout(time.Second)).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	f, _ := fx.repo.Load(id)
	if f.Status != finding.NeedsReview || f.AttemptCount() != 3 {
		t.Fatalf("expected needs-review with 3 attempts, got %s/%d", f.Status, f.AttemptCount())
	}
	for _, a := range f.Attempts {
		if a.Kind != finding.Timeout || a.Stage != finding.StageExecute {
			t.Fatalf("expected timeout attempts, got %+v", a)
		}
	}
	if fx.tc.timeout != time.Second {
		t.Fatalf("execution timeout not forwarded: %v", fx.tc.timeout)
	}
}

func TestDisprovedFindingIsInvalidated(t *testing.T) {
	fx := newFixture(t)
	id := finding.ID{Severity: finding.Low, Category: "logic-error", Sequence: 1}
	fx.addFinding(t, id, "round down", step{result: ExecutionResult{Output: "INVALIDATED: rounding favors protocol"}}, step{result: proven()})
	if _, err := fx.validator().Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	f, _ := fx.repo.Load(id)
	if f.Status != finding.Invalidated || f.AttemptCount() != 1 {
		t.Fatalf("expected invalidated after one attempt, got %s/%d", f.Status, f.AttemptCount())
	}
	// a second run must not touch a terminal finding
	if _, err := fx.validator().Run(context.Background()); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	f, _ = fx.repo.Load(id)
	if f.AttemptCount() != 1 {
		t.Fatalf("terminal finding gained attempts: %d", f.AttemptCount())
	}
}

func TestMissingScenarioSkipsAttempts(t *testing.T) {
	fx := newFixture(t)
	id := finding.ID{Severity: finding.High, Category: "logic-error", Sequence: 1}
	fx.addFinding(t, id, "")
	var events []AttemptEvent
	if _, err := fx.validator(WithObserver(func(ev AttemptEvent) { events = append(events, ev) })).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	f, _ := fx.repo.Load(id)
	if f.Status != finding.NeedsReview || f.AttemptCount() != 0 {
		t.Fatalf("expected needs-review without attempts, got %s/%d", f.Status, f.AttemptCount())
	}
	if len(fx.tc.calls) != 0 || len(events) != 1 || events[0].Attempt != nil {
		t.Fatalf("no toolchain work expected: calls=%v events=%+v", fx.tc.calls, events)
	}
}

func TestFindingsProcessedInDeterministicOrder(t *testing.T) {
	fx := newFixture(t)
	ids := []finding.ID{
		{Severity: finding.Low, Category: "access-control", Sequence: 1},
		{Severity: finding.Critical, Category: "state-interaction", Sequence: 1},
		{Severity: finding.High, Category: "logic-error", Sequence: 2},
		{Severity: finding.High, Category: "logic-error", Sequence: 1},
		{Severity: finding.High, Category: "access-control", Sequence: 1},
	}
	for _, id := range ids {
		fx.addFinding(t, id, "exploit", step{buildErr: compileErr()}, step{result: proven()})
	}
	if _, err := fx.validator().Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"critical/state-interaction/01", "critical/state-interaction/01",
		"high/access-control/01", "high/access-control/01",
		"high/logic-error/01", "high/logic-error/01",
		"high/logic-error/02", "high/logic-error/02",
		"low/access-control/01", "low/access-control/01",
	}
	if diff := cmp.Diff(want, fx.gen.order); diff != "" {
		t.Fatalf("processing order mismatch (-want +got):\n%s", diff)
	}
}

func TestCancellationDuringExecuteRecordsNothing(t *testing.T) {
	fx := newFixture(t)
	id := finding.ID{Severity: finding.High, Category: "access-control", Sequence: 1}
	fx.addFinding(t, id, "exploit", step{execErr: context.Canceled})
	ctx, cancel := context.WithCancel(context.Background())
	fx.tc.onExec = cancel
	_, err := fx.validator().Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	f, _ := fx.repo.Load(id)
	if f.Status != finding.Unvalidated || f.AttemptCount() != 0 {
		t.Fatalf("interrupted attempt should not be recorded: %s/%d", f.Status, f.AttemptCount())
	}
}

func TestLowerAttemptLimit(t *testing.T) {
	fx := newFixture(t)
	id := finding.ID{Severity: finding.QA, Category: "input-validation", Sequence: 1}
	fx.addFinding(t, id, "exploit", step{result: ExecutionResult{Output: "reverted", ExitCode: 1}}, step{result: proven()})
	if _, err := fx.validator(WithMaxAttempts(1)).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	f, _ := fx.repo.Load(id)
	if f.Status != finding.NeedsReview || f.AttemptCount() != 1 || f.Attempts[0].Kind != finding.RuntimeRevert {
		t.Fatalf("unexpected result %s/%d %+v", f.Status, f.AttemptCount(), f.Attempts)
	}
}
