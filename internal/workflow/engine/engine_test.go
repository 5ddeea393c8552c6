package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/lattice-audit/internal/analyzer"
	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/logbook"
	"github.com/kingrea/lattice-audit/internal/report"
	"github.com/kingrea/lattice-audit/internal/validator"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

const vaultSource = `pragma solidity ^0.8.0;

contract Vault {
    mapping(address => uint256) balances;

    function withdraw(uint256 amount) external {
        (bool ok, ) = msg.sender.call{value: amount}("");
        require(ok);
        balances[msg.sender] -= amount;
    }

    function setOwner(address next) external onlyOwner {
        owner = next;
    }
}
`

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeToolchain struct {
	mu     sync.Mutex
	result validator.ExecutionResult
	err    error
	runs   int
}

func (f *fakeToolchain) Build(ctx context.Context, c validator.Candidate) (validator.BuildResult, error) {
	return validator.BuildResult{Candidate: c}, nil
}

func (f *fakeToolchain) Execute(ctx context.Context, b validator.BuildResult, timeout time.Duration) (validator.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.result, f.err
}

type stubProducer struct {
	name string
	key  string
	run  func(ctx context.Context) ([]byte, error)
}

func (s stubProducer) Name() string { return s.name }
func (s stubProducer) Key() string  { return s.key }
func (s stubProducer) Run(ctx context.Context, root string) ([]byte, error) {
	return s.run(ctx)
}

type harness struct {
	cfg   config.RunConfig
	clock *stepClock
	store *artifact.Store
	tc    *fakeToolchain
	book  *logbook.Logbook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	project := t.TempDir()
	if err := os.MkdirAll(filepath.Join(project, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "src", "Vault.sol"), []byte(vaultSource), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "README.md"), []byte("# Vault\n\nHolds deposits.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default(project)
	cfg.WorkspaceRoot = filepath.Join(t.TempDir(), "ws")
	clock := &stepClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	book, err := logbook.New(cfg.Workspace().LogbookPath())
	if err != nil {
		t.Fatal(err)
	}
	book.SetClock(clock.Now)
	return &harness{
		cfg:   cfg,
		clock: clock,
		store: artifact.NewStore(cfg.Workspace(), artifact.WithClock(clock.Now)),
		tc:    &fakeToolchain{result: validator.ExecutionResult{Output: "ATTACKER_GAIN: 10 ether"}},
		book:  book,
	}
}

func (h *harness) engine(t *testing.T, deps Deps, opts ...Option) *Engine {
	t.Helper()
	deps.Store = h.store
	if deps.Toolchain == nil {
		deps.Toolchain = h.tc
	}
	opts = append([]Option{WithClock(h.clock.Now), WithLogbook(h.book)}, opts...)
	e, err := New(h.cfg, deps, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestEngineRunCompletesEveryPhase(t *testing.T) {
	h := newHarness(t)
	var events []Event
	e := h.engine(t, Deps{}, WithObserver(func(ev Event) { events = append(events, ev) }))

	state, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != EngineStatusComplete || state.Phase != workflow.PhaseDone || state.RunID == "" {
		t.Fatalf("unexpected final state %+v", state)
	}
	var phases []workflow.PhaseState
	for _, tr := range state.History {
		phases = append(phases, tr.To)
	}
	want := []workflow.PhaseState{
		workflow.PhaseReconRunning, workflow.PhaseReconComplete, workflow.PhaseSelecting,
		workflow.PhaseAnalysisRunning, workflow.PhaseAnalysisComplete,
		workflow.PhaseValidationRunning, workflow.PhaseValidationComplete,
		workflow.PhaseReporting, workflow.PhaseDone,
	}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Fatalf("phase history mismatch (-want +got):\n%s", diff)
	}
	var selected []string
	for _, s := range state.Selection {
		selected = append(selected, s.Category)
	}
	if diff := cmp.Diff([]string{"access-control", "state-interaction", "logic-error"}, selected); diff != "" {
		t.Fatalf("selection mismatch (-want +got):\n%s", diff)
	}

	all, err := finding.NewRepository(h.store).All()
	if err != nil {
		t.Fatalf("all findings: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(all))
	}
	for _, f := range all {
		if f.Status != finding.Validated || f.AttemptCount() != 1 {
			t.Fatalf("expected validated finding, got %s %s/%d", f.ID, f.Status, f.AttemptCount())
		}
	}

	key, err := report.Latest(h.store)
	if err != nil || key != state.Report {
		t.Fatalf("latest report %q (%v), state says %q", key, err, state.Report)
	}
	persisted, err := NewRepository(h.store).Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if persisted.RunID != state.RunID || persisted.Phase != workflow.PhaseDone {
		t.Fatalf("persisted state mismatch %+v", persisted)
	}
	if _, err := h.store.Get(artifact.NamespaceMeta, workflow.FileMetrics); err != nil {
		t.Fatalf("metrics not exported: %v", err)
	}
	if err := h.store.Put(finding.Namespace(all[0].ID), all[0].Key(), []byte("x")); !errors.Is(err, artifact.ErrFrozen) {
		t.Fatalf("findings should be frozen after validation, got %v", err)
	}
	if last := events[len(events)-1]; last.Kind != EventFinished || last.Phase != workflow.PhaseDone {
		t.Fatalf("unexpected final event %+v", last)
	}
	entries, _ := h.book.Tail(100)
	var sawDone, sawSettled bool
	for _, entry := range entries {
		if entry.Phase == workflow.PhaseDone && entry.Message == "phase reporting -> done" {
			sawDone = true
		}
		if entry.Phase == workflow.PhaseValidationRunning && entry.Subject == all[0].ID.String() {
			sawSettled = true
		}
	}
	if !sawDone || !sawSettled {
		t.Fatalf("logbook missing scoped entries: %+v", entries)
	}
}

func TestEngineAnalysisNeverSeesLateReconWrites(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, Deps{})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	completeAt, ok := e.Controller().EnteredAt(workflow.PhaseReconComplete)
	if !ok {
		t.Fatalf("recon never completed")
	}
	analysisAt, _ := e.Controller().EnteredAt(workflow.PhaseAnalysisRunning)
	var reconWrites, findingWrites int
	for _, rec := range h.store.Journal() {
		switch rec.Namespace.Root() {
		case artifact.NamespaceRecon:
			reconWrites++
			if rec.At.After(completeAt) {
				t.Fatalf("recon write %s at %s after ReconComplete at %s", rec.Key, rec.At, completeAt)
			}
		case artifact.NamespaceFindings:
			findingWrites++
			if rec.At.Before(analysisAt) {
				t.Fatalf("finding write %s at %s before analysis started at %s", rec.Key, rec.At, analysisAt)
			}
		}
	}
	if reconWrites != 2 || findingWrites == 0 {
		t.Fatalf("unexpected journal: %d recon writes, %d finding writes", reconWrites, findingWrites)
	}
}

func TestEngineDegradedReconStillReports(t *testing.T) {
	h := newHarness(t)
	docs := stubProducer{name: "documentation", key: workflow.FileDocFindings, run: func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("docs unreadable")
	}}
	e := h.engine(t, Deps{Docs: docs})
	state, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Phase != workflow.PhaseDone || !state.Degraded() {
		t.Fatalf("expected degraded completed run, got %s degraded=%v", state.Phase, state.Degraded())
	}
	if diff := cmp.Diff([]string{workflow.FileDocFindings}, state.Missing); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}
	content, err := h.store.Get(artifact.NamespaceReports, state.Report)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, "degraded: true") || !strings.Contains(text, "Missing recon: doc-findings.") {
		t.Fatalf("report should carry the degraded flag:\n%s", text)
	}
	// findings still come from the successful code-structure producer
	if !strings.Contains(text, "src/Vault.sol:7") {
		t.Fatalf("report should reference the surviving recon data:\n%s", text)
	}
}

func TestEngineCancellationHaltsController(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	docs := stubProducer{name: "documentation", key: workflow.FileDocFindings, run: func(ctx context.Context) ([]byte, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := h.engine(t, Deps{Docs: docs})
	state, err := e.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if e.Controller().CurrentPhase() != workflow.PhaseReconRunning {
		t.Fatalf("controller should halt in recon, got %s", e.Controller().CurrentPhase())
	}
	if state.Status != EngineStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", state.Status)
	}
	persisted, err := NewRepository(h.store).Load()
	if err != nil || persisted.Phase != workflow.PhaseReconRunning {
		t.Fatalf("persisted phase %s (%v)", persisted.Phase, err)
	}
	if h.store.Exists(artifact.FindingsNamespace("high", "access-control")) {
		t.Fatalf("no findings should be written after cancellation")
	}
}

func TestEngineFatalWriteFailsRun(t *testing.T) {
	h := newHarness(t)
	docs := stubProducer{name: "documentation", key: "bad/key", run: func(ctx context.Context) ([]byte, error) {
		return []byte("---\n{}\n---\n"), nil
	}}
	e := h.engine(t, Deps{Docs: docs})
	state, err := e.Run(context.Background())
	if !errors.Is(err, artifact.ErrInvalidKey) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if state.Phase != workflow.PhaseFailed || state.Status != EngineStatusError {
		t.Fatalf("expected failed run, got %s/%s", state.Phase, state.Status)
	}
	last := state.History[len(state.History)-1]
	if last.From != workflow.PhaseReconRunning || last.Reason == "" {
		t.Fatalf("unexpected failure transition %+v", last)
	}
}

func TestEngineAppliesOverridesBetweenPhases(t *testing.T) {
	h := newHarness(t)
	h.tc.result = validator.ExecutionResult{}
	h.tc.err = &validator.ToolError{Kind: finding.Timeout, Err: context.DeadlineExceeded}
	overrides := make(chan finding.Override, 4)
	missing := finding.ID{Severity: finding.Low, Category: "logic-error", Sequence: 9}
	overrides <- finding.Override{ID: missing, Status: finding.Invalidated, Reason: "duplicate", Actor: "alice"}

	var reviewed []finding.ID
	observer := func(ev Event) {
		if ev.Kind == EventAttempt && ev.Status == finding.NeedsReview {
			id, err := finding.ParseID(ev.Name)
			if err != nil {
				t.Errorf("parse id: %v", err)
				return
			}
			reviewed = append(reviewed, id)
			overrides <- finding.Override{ID: id, Status: finding.Validated, Reason: "reproduced by hand", Actor: "alice"}
		}
	}
	e := h.engine(t, Deps{}, WithOverrides(overrides), WithObserver(observer))
	state, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(reviewed) != 2 || h.tc.runs != 6 {
		t.Fatalf("expected two findings exhausted after 3 timeouts each, got %v with %d runs", reviewed, h.tc.runs)
	}
	if len(state.Overrides) != 3 || state.Overrides[0].Applied || !state.Overrides[1].Applied || !state.Overrides[2].Applied {
		t.Fatalf("unexpected override results %+v", state.Overrides)
	}
	repo := finding.NewRepository(h.store)
	for _, id := range reviewed {
		f, err := repo.Load(id)
		if err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		if f.Status != finding.Validated || f.AttemptCount() != 3 || len(f.Overrides) != 1 {
			t.Fatalf("override not applied to %s: %s/%d/%d", id, f.Status, f.AttemptCount(), len(f.Overrides))
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.WorkspaceRoot = t.TempDir()
	cfg.SelectCount = 0
	if _, err := New(cfg, Deps{}); err == nil {
		t.Fatalf("expected config validation error")
	}
}

func TestDepsDefaultsFromConfig(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Toolchain.Build = []string{"forge", "build"}
	deps, err := Deps{}.withDefaults(cfg)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if deps.Registry.Len() != 6 || deps.Weights == nil || deps.Docs == nil || deps.Code == nil {
		t.Fatalf("analysis defaults missing: %+v", deps)
	}
	if _, ok := deps.Generator.(*validator.ScenarioGenerator); !ok {
		t.Fatalf("expected built-in generator, got %T", deps.Generator)
	}
	tc, ok := deps.Toolchain.(*validator.ExecToolchain)
	if !ok || tc.BuildCmd[0] != "forge" || tc.Project != cfg.ProjectRoot {
		t.Fatalf("unexpected toolchain %+v", deps.Toolchain)
	}

	cfg.Generator.Command = []string{"gen-exploit", "{id}"}
	deps, err = Deps{Registry: analyzer.NewRegistry(), Weights: map[string]map[string]int{}}.withDefaults(cfg)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if _, ok := deps.Generator.(*validator.CommandGenerator); !ok {
		t.Fatalf("expected command generator, got %T", deps.Generator)
	}
}

func TestEngineRunsTwiceOnSameStore(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t, Deps{})

	first, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Status != EngineStatusComplete || second.Phase != workflow.PhaseDone {
		t.Fatalf("second run ended in %s/%s: %s", second.Phase, second.Status, second.StatusReason)
	}
	if second.RunID == first.RunID || second.Report == first.Report {
		t.Fatalf("second run should have its own id and report: %+v", second)
	}
	reconWrites := 0
	for _, rec := range h.store.Journal() {
		if rec.Namespace == artifact.NamespaceRecon {
			reconWrites++
		}
	}
	if reconWrites != 2 {
		t.Fatalf("journal should hold only the second run's recon writes, got %d", reconWrites)
	}
	if _, frozen := h.store.FrozenAt(artifact.NamespaceRecon); !frozen {
		t.Fatalf("recon should be frozen again after the second run")
	}
}
