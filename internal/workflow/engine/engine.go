package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/lattice-audit/internal/analyzer"
	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/auditor"
	"github.com/kingrea/lattice-audit/internal/config"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/logbook"
	"github.com/kingrea/lattice-audit/internal/metrics"
	"github.com/kingrea/lattice-audit/internal/recon"
	"github.com/kingrea/lattice-audit/internal/report"
	"github.com/kingrea/lattice-audit/internal/validator"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// Engine runs the audit pipeline for one RunConfig.
type Engine struct {
	cfg       config.RunConfig
	deps      Deps
	repo      StateStore
	logger    *zap.Logger
	book      *logbook.Logbook
	metrics   *metrics.Recorder
	observer  Observer
	overrides <-chan finding.Override
	clock     func() time.Time

	mu      sync.Mutex
	state   State
	ctrl    *workflow.Controller
	entered time.Time
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLogbook journals transitions and failures to book.
func WithLogbook(book *logbook.Logbook) Option {
	return func(e *Engine) {
		e.book = book
	}
}

// WithMetrics replaces the run metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithOverrides attaches the override channel. Pending overrides are applied
// when validation starts and again when it ends.
func WithOverrides(ch <-chan finding.Override) Option {
	return func(e *Engine) {
		e.overrides = ch
	}
}

// WithStateStore replaces the meta/state.json repository.
func WithStateStore(repo StateStore) Option {
	return func(e *Engine) {
		if repo != nil {
			e.repo = repo
		}
	}
}

// New wires an engine to its configuration and collaborators.
func New(cfg config.RunConfig, deps Deps, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("workflow engine: %w", err)
	}
	resolved, err := deps.withDefaults(cfg)
	if err != nil {
		return nil, fmt.Errorf("workflow engine: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		deps:    resolved,
		logger:  zap.NewNop(),
		metrics: metrics.NewRecorder(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.repo == nil {
		e.repo = NewRepository(resolved.Store)
	}
	return e, nil
}

// Controller returns the phase controller of the current run, or nil before
// Run is called.
func (e *Engine) Controller() *workflow.Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl
}

// View returns the last persisted snapshot.
func (e *Engine) View() (State, error) {
	return e.repo.Load()
}

// Run executes recon, selection, analysis, validation and reporting in
// order. Cancellation leaves the controller in the phase it had reached;
// every other error moves it to Failed.
func (e *Engine) Run(ctx context.Context) (State, error) {
	ws := e.deps.Store.Workspace()
	if err := ws.ClearRun(); err != nil {
		return State{}, fmt.Errorf("workflow engine: prepare workspace: %w", err)
	}
	e.deps.Store.Thaw()
	now := e.now()
	ctrl := workflow.NewController(
		workflow.WithControllerClock(e.now),
		workflow.WithListener(e.onTransition),
	)
	e.mu.Lock()
	e.ctrl = ctrl
	e.entered = now
	e.state = State{
		RunID:     uuid.NewString(),
		Phase:     ctrl.CurrentPhase(),
		Status:    EngineStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	e.mu.Unlock()
	e.book.For(workflow.PhaseIdle, e.state.RunID).Info("run started for %s", e.cfg.ProjectRoot)
	e.logger.Info("run started", zap.String("run_id", e.state.RunID), zap.String("project", e.cfg.ProjectRoot))
	e.persist()

	err := e.run(ctx, ctrl)
	switch {
	case err == nil:
		e.finish(EngineStatusComplete, "")
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		e.finish(EngineStatusCancelled, err.Error())
		e.book.For(ctrl.CurrentPhase(), e.state.RunID).Warn("run cancelled")
		e.logger.Warn("run cancelled", zap.String("phase", string(ctrl.CurrentPhase())))
	default:
		if failErr := ctrl.Fail(err.Error()); failErr != nil {
			e.logger.Error("could not enter failed phase", zap.Error(failErr))
		}
		e.finish(EngineStatusError, err.Error())
		e.book.For(workflow.PhaseFailed, e.state.RunID).Error("run failed: %v", err)
		e.logger.Error("run failed", zap.Error(err))
	}
	e.writeMetrics()
	e.persist()
	e.publish(Event{Kind: EventFinished, Phase: ctrl.CurrentPhase(), Message: string(e.snapshot().Status), Err: errString(err)})
	return e.snapshot(), err
}

func (e *Engine) run(ctx context.Context, ctrl *workflow.Controller) error {
	store := e.deps.Store
	reconBarrier := workflow.NewBarrier("recon", recon.ProducerCount)
	ctrl.AddGuard(workflow.PhaseReconComplete, reconBarrier.Guard())
	ctrl.AddGuard(workflow.PhaseValidationComplete, e.allSettled)

	// Recon
	if err := ctrl.Transition(workflow.PhaseReconRunning); err != nil {
		return err
	}
	coord := recon.NewCoordinator(store, e.cfg.ProjectRoot, e.deps.Docs, e.deps.Code,
		recon.WithLogger(e.logger.Named("recon")),
		recon.WithClock(e.now),
	)
	reconRes, err := coord.Run(ctx, reconBarrier)
	e.update(func(s *State) { s.Recon = &reconRes })
	for _, p := range reconRes.Producers {
		ev := Event{Kind: EventProducer, Phase: workflow.PhaseReconRunning, Name: p.Name, Count: p.Bytes}
		if !p.OK() {
			ev.Err = p.Error
			e.metrics.ProducerFailed(p.Name)
			e.book.For(workflow.PhaseReconRunning, p.Name).Warn("producer failed: %s", p.Error)
		}
		e.publish(ev)
	}
	if err != nil {
		return err
	}
	if err := ctrl.Transition(workflow.PhaseReconComplete); err != nil {
		return err
	}
	store.Freeze(artifact.NamespaceRecon)

	// Selection
	if err := ctrl.Transition(workflow.PhaseSelecting); err != nil {
		return err
	}
	snapshot, err := recon.LoadSnapshot(store, e.cfg.ProjectRoot)
	if err != nil {
		return fmt.Errorf("workflow engine: load recon snapshot: %w", err)
	}
	scores := e.deps.Weights.Select(e.deps.Registry.Categories(), snapshot.Signals, e.cfg.SelectCount)
	categories := auditor.Categories(scores)
	e.update(func(s *State) {
		s.Missing = append([]string(nil), snapshot.Missing...)
		s.Selection = scores
	})
	for _, s := range scores {
		e.book.For(workflow.PhaseSelecting, s.Category).Info("selected with score %d", s.Score)
		e.publish(Event{Kind: EventSelect, Phase: workflow.PhaseSelecting, Name: s.Category, Count: s.Score})
	}
	if snapshot.Degraded() {
		e.book.For(workflow.PhaseSelecting, "").Warn("recon degraded; missing %v", snapshot.Missing)
	}

	// Analysis
	analysisBarrier := workflow.NewBarrier("analysis", len(categories))
	ctrl.AddGuard(workflow.PhaseAnalysisComplete, analysisBarrier.Guard())
	if err := ctrl.Transition(workflow.PhaseAnalysisRunning); err != nil {
		return err
	}
	analysis, err := e.analyze(ctx, snapshot, categories, analysisBarrier)
	analysis.Selected = scores
	e.update(func(s *State) { s.Analysis = &analysis })
	if err != nil {
		return err
	}
	if err := ctrl.Transition(workflow.PhaseAnalysisComplete); err != nil {
		return err
	}

	// Validation
	if err := ctrl.Transition(workflow.PhaseValidationRunning); err != nil {
		return err
	}
	e.drainOverrides()
	v := validator.New(e.deps.Findings, store, e.deps.Generator, e.deps.Toolchain,
		validator.WithLogger(e.logger.Named("validator")),
		validator.WithClock(e.now),
		validator.WithMaxAttempts(e.cfg.MaxAttempts),
		validator.WithTimeout(e.cfg.ExecTimeout),
		validator.WithEvaluator(e.deps.Evaluator),
		validator.WithObserver(e.onAttempt),
	)
	summary, err := v.Run(ctx)
	e.update(func(s *State) { s.Validation = &summary })
	if err != nil {
		return err
	}
	e.drainOverrides()
	if err := ctrl.Transition(workflow.PhaseValidationComplete); err != nil {
		return err
	}
	store.Freeze(artifact.NamespaceFindings)

	// Reporting
	if err := ctrl.Transition(workflow.PhaseReporting); err != nil {
		return err
	}
	agg := report.NewAggregator(store, e.deps.Findings,
		report.WithLogger(e.logger.Named("report")),
		report.WithClock(e.now),
	)
	res, err := agg.Run(report.Input{
		Categories:   categories,
		Failed:       analysis.Failed(),
		MissingRecon: snapshot.Missing,
	})
	if err != nil {
		return err
	}
	e.metrics.SetFindings(res.Findings)
	e.update(func(s *State) { s.Report = res.Key })
	e.book.For(workflow.PhaseReporting, res.Key).Info("report written with %d finding(s)", len(res.Findings))
	e.publish(Event{Kind: EventReport, Phase: workflow.PhaseReporting, Name: res.Key, Count: len(res.Findings)})
	return ctrl.Transition(workflow.PhaseDone)
}

func (e *Engine) analyze(ctx context.Context, snapshot analyzer.Snapshot, categories []string, barrier *workflow.Barrier) (auditor.Result, error) {
	d := auditor.NewDispatcher(e.deps.Registry, e.deps.Store, e.deps.Findings,
		auditor.WithLogger(e.logger.Named("auditor")),
		auditor.WithConcurrency(e.cfg.Concurrency),
		auditor.WithClock(e.now),
	)
	res, err := d.Dispatch(ctx, snapshot, categories, barrier)
	for _, c := range res.Categories {
		failed := c.Failed()
		e.metrics.CategoryFinished(c.Category, len(c.Findings), failed)
		ev := Event{Kind: EventCategory, Phase: workflow.PhaseAnalysisRunning, Name: c.Category, Count: len(c.Findings)}
		if failed {
			ev.Err = c.Error
			e.book.For(workflow.PhaseAnalysisRunning, c.Category).Warn("category failed: %s", c.Error)
		} else {
			e.book.For(workflow.PhaseAnalysisRunning, c.Category).Info("wrote %d finding(s), %d rejected", len(c.Findings), len(c.Rejected))
		}
		e.publish(ev)
	}
	return res, err
}

// allSettled guards ValidationComplete: no finding may remain Unvalidated.
func (e *Engine) allSettled() error {
	all, err := e.deps.Findings.All()
	if err != nil {
		return err
	}
	for _, f := range all {
		if !f.Status.Settled() {
			return fmt.Errorf("finding %s is %s", f.ID, f.Status)
		}
	}
	return nil
}

func (e *Engine) onTransition(t workflow.Transition) {
	e.mu.Lock()
	spent := t.At.Sub(e.entered)
	e.entered = t.At
	e.state.Phase = t.To
	e.state.History = append(e.state.History, t)
	e.state.UpdatedAt = t.At
	e.mu.Unlock()

	e.metrics.PhaseDuration(string(t.From), spent)
	if t.To == workflow.PhaseFailed {
		e.book.For(t.To, "").Error("phase %s -> %s: %s", t.From, t.To, t.Reason)
	} else {
		e.book.For(t.To, "").Info("phase %s -> %s", t.From, t.To)
	}
	e.logger.Info("phase transition", zap.String("from", string(t.From)), zap.String("to", string(t.To)))
	e.persist()
	e.publish(Event{Kind: EventPhase, Phase: t.To, Message: t.To.Label(), Err: t.Reason, At: t.At})
}

func (e *Engine) onAttempt(ev validator.AttemptEvent) {
	if ev.Attempt != nil {
		e.metrics.ObserveAttempt(*ev.Attempt)
	}
	if ev.Status.Settled() {
		e.book.For(workflow.PhaseValidationRunning, ev.Finding.String()).Info("settled as %s", ev.Status)
	}
	e.publish(Event{
		Kind:    EventAttempt,
		Phase:   workflow.PhaseValidationRunning,
		Name:    ev.Finding.String(),
		Attempt: ev.Attempt,
		Status:  ev.Status,
	})
}

// drainOverrides applies every override waiting on the channel without
// blocking.
func (e *Engine) drainOverrides() {
	for e.overrides != nil {
		select {
		case o, ok := <-e.overrides:
			if !ok {
				e.overrides = nil
				return
			}
			e.applyOverride(o)
		default:
			return
		}
	}
}

func (e *Engine) applyOverride(o finding.Override) {
	result := OverrideResult{Finding: o.ID.String(), Status: o.Status, Actor: o.Actor}
	if _, err := e.deps.Findings.ApplyOverride(o); err != nil {
		result.Error = err.Error()
		e.book.For(e.snapshot().Phase, o.ID.String()).Warn("override to %s rejected: %v", o.Status, err)
		e.logger.Warn("override rejected", zap.String("finding", o.ID.String()), zap.Error(err))
	} else {
		result.Applied = true
		e.book.For(e.snapshot().Phase, o.ID.String()).Info("override to %s by %s: %s", o.Status, o.Actor, o.Reason)
	}
	e.update(func(s *State) { s.Overrides = append(s.Overrides, result) })
	e.publish(Event{Kind: EventOverride, Name: result.Finding, Status: o.Status, Err: result.Error})
}

func (e *Engine) update(fn func(*State)) {
	e.mu.Lock()
	fn(&e.state)
	e.state.UpdatedAt = e.now()
	e.mu.Unlock()
}

func (e *Engine) finish(status EngineStatus, reason string) {
	e.update(func(s *State) {
		s.Status = status
		s.StatusReason = reason
	})
}

func (e *Engine) snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

func (e *Engine) persist() {
	if err := e.repo.Save(e.snapshot()); err != nil {
		e.logger.Warn("state snapshot not saved", zap.Error(err))
	}
}

func (e *Engine) writeMetrics() {
	data, err := e.metrics.Encode()
	if err == nil {
		err = e.deps.Store.Writer("metrics", artifact.NamespaceMeta).Put(artifact.NamespaceMeta, workflow.FileMetrics, data)
	}
	if err != nil {
		e.logger.Warn("metrics not written", zap.Error(err))
	}
}

func (e *Engine) publish(ev Event) {
	if e.observer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.observer(ev)
}

func (e *Engine) now() time.Time {
	return e.clock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
