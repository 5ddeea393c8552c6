package auditor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-audit/internal/analyzer"
	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// RejectedDraft is a draft the format gate refused.
type RejectedDraft struct {
	Title      string                    `json:"title"`
	Violations []finding.FormatViolation `json:"violations"`
}

// CategoryResult records what one category task produced. A task error
// means the category contributed zero findings.
type CategoryResult struct {
	Category string          `json:"category"`
	Findings []string        `json:"findings,omitempty"`
	Review   int             `json:"needs_review"`
	Rejected []RejectedDraft `json:"rejected,omitempty"`
	Duration time.Duration   `json:"duration"`
	Err      error           `json:"-"`
	Error    string          `json:"error,omitempty"`
}

// Result summarizes an analysis phase.
type Result struct {
	Selected   []Score          `json:"selected"`
	Categories []CategoryResult `json:"categories"`
}

// FindingCount returns how many findings were written.
func (r Result) FindingCount() int {
	n := 0
	for _, c := range r.Categories {
		n += len(c.Findings)
	}
	return n
}

// Failed reports whether the task errored. It holds for results reloaded
// from a state snapshot, where only Error survives.
func (c CategoryResult) Failed() bool {
	return c.Err != nil || c.Error != ""
}

// Failed returns the categories whose task errored.
func (r Result) Failed() []string {
	var out []string
	for _, c := range r.Categories {
		if c.Failed() {
			out = append(out, c.Category)
		}
	}
	return out
}

// Dispatcher runs one analyzer task per selected category.
type Dispatcher struct {
	registry *analyzer.Registry
	store    *artifact.Store
	repo     *finding.Repository
	logger   *zap.Logger
	limit    int
	now      func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithConcurrency bounds the number of category tasks running at once.
// Zero or negative means one goroutine per category.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		d.limit = n
	}
}

// WithClock injects the clock used for durations.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(registry *analyzer.Registry, store *artifact.Store, repo *finding.Repository, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		store:    store,
		repo:     repo,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs every category in categories against snapshot and arrives at
// barrier once per category. Each task writes only beneath its own
// findings/<severity>/<category> namespaces. Task failures are recorded in
// the result; only a store write failure or cancellation returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, snapshot analyzer.Snapshot, categories []string, barrier *workflow.Barrier) (Result, error) {
	results := make([]CategoryResult, len(categories))
	g, gctx := errgroup.WithContext(ctx)
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for i, category := range categories {
		g.Go(func() error {
			defer barrier.Arrive()
			res, err := d.runCategory(gctx, snapshot, category)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	result := Result{Categories: results}
	if err != nil {
		return result, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

func (d *Dispatcher) runCategory(ctx context.Context, snapshot analyzer.Snapshot, category string) (res CategoryResult, fatal error) {
	res.Category = category
	log := d.logger.With(zap.String("category", category))
	start := d.now()
	defer func() {
		res.Duration = d.now().Sub(start)
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("auditor: %s panicked: %v", category, r)
			res.Error = res.Err.Error()
			log.Error("category task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	a, ok := d.registry.Get(category)
	if !ok {
		res.Err = fmt.Errorf("auditor: unknown category %s", category)
		res.Error = res.Err.Error()
		log.Warn("category not registered")
		return res, nil
	}
	drafts, err := a.Run(ctx, snapshot)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		log.Warn("category task failed; contributing zero findings", zap.Error(err))
		return res, nil
	}
	writer := d.store.Writer(category, finding.CategoryNamespaces(category)...)
	next := map[finding.Severity]int{}
	for _, draft := range drafts {
		if !draft.Severity.Valid() {
			res.Rejected = append(res.Rejected, RejectedDraft{
				Title:      draft.Title,
				Violations: []finding.FormatViolation{{Field: "severity", Message: fmt.Sprintf("unknown severity %q", draft.Severity), Blocking: true}},
			})
			continue
		}
		id := finding.ID{Severity: draft.Severity, Category: category, Sequence: next[draft.Severity] + 1}
		f := finding.FromDraft(id, draft)
		if err := d.repo.Create(writer, f); err != nil {
			var ferr *finding.FormatError
			if errors.As(err, &ferr) {
				res.Rejected = append(res.Rejected, RejectedDraft{Title: draft.Title, Violations: ferr.Violations})
				log.Warn("finding rejected by format gate", zap.String("title", draft.Title), zap.Error(err))
				continue
			}
			res.Err = err
			res.Error = err.Error()
			return res, fmt.Errorf("auditor: %s: %w", category, err)
		}
		next[draft.Severity]++
		res.Findings = append(res.Findings, f.ID.String())
		if f.Status == finding.NeedsReview {
			res.Review++
		}
	}
	log.Info("category task finished", zap.Int("findings", len(res.Findings)), zap.Int("rejected", len(res.Rejected)))
	return res, nil
}
