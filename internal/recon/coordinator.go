// Package recon runs the two reconnaissance producers concurrently and joins
// them behind the recon completion barrier.
package recon

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-audit/internal/analyzer"
	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// ProducerCount is the number of recon producers a run launches.
const ProducerCount = 2

// slots names the producer and artifact each coordinator slot stands for.
var slots = [ProducerCount]struct{ name, key string }{
	{"documentation", workflow.FileDocFindings},
	{"code-structure", workflow.FileCodeFindings},
}

// ProducerResult records how one producer finished. Err is captured, never
// propagated: a failed producer degrades the snapshot but does not fail recon.
type ProducerResult struct {
	Name     string        `json:"name"`
	Key      string        `json:"key"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// OK reports whether the producer wrote its artifact. Error is checked too
// so results reloaded from a state snapshot keep their outcome.
func (r ProducerResult) OK() bool {
	return r.Err == nil && r.Error == ""
}

// Result summarizes a recon phase.
type Result struct {
	Producers []ProducerResult `json:"producers"`
}

// Degraded reports whether any producer failed.
func (r Result) Degraded() bool {
	return len(r.Missing()) > 0
}

// Missing returns the artifact keys whose producer failed.
func (r Result) Missing() []string {
	var out []string
	for _, p := range r.Producers {
		if !p.OK() {
			out = append(out, p.Key)
		}
	}
	return out
}

// Coordinator launches the documentation and code-structure producers.
type Coordinator struct {
	store       *artifact.Store
	projectRoot string
	producers   [ProducerCount]analyzer.ProjectAnalyzer
	logger      *zap.Logger
	now         func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects the clock used for durations.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewCoordinator builds a coordinator for the given producers.
func NewCoordinator(store *artifact.Store, projectRoot string, docs, code analyzer.ProjectAnalyzer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		projectRoot: projectRoot,
		producers:   [ProducerCount]analyzer.ProjectAnalyzer{docs, code},
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes both producers and arrives at barrier once per producer,
// whatever the outcome. It returns an error only when an artifact write fails
// or ctx is cancelled; in both cases recon must not be marked complete.
func (c *Coordinator) Run(ctx context.Context, barrier *workflow.Barrier) (Result, error) {
	results := make([]ProducerResult, ProducerCount)
	writer := c.store.Writer("recon", artifact.NamespaceRecon)
	var g errgroup.Group
	for i, producer := range c.producers {
		g.Go(func() error {
			defer barrier.Arrive()
			res, err := c.runProducer(ctx, writer, i, producer)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	result := Result{Producers: results}
	if err != nil {
		return result, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

func (c *Coordinator) runProducer(ctx context.Context, writer *artifact.Writer, slot int, producer analyzer.ProjectAnalyzer) (res ProducerResult, fatal error) {
	if producer == nil {
		res.Name, res.Key = slots[slot].name, slots[slot].key
		res.Err = fmt.Errorf("recon: %s producer not configured", res.Name)
		res.Error = res.Err.Error()
		return res, nil
	}
	res.Name = producer.Name()
	res.Key = producer.Key()
	log := c.logger.With(zap.String("producer", res.Name))
	start := c.now()
	defer func() {
		res.Duration = c.now().Sub(start)
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("recon: %s panicked: %v", res.Name, r)
			res.Error = res.Err.Error()
			log.Error("producer panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	content, err := producer.Run(ctx, c.projectRoot)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		log.Warn("producer failed", zap.Error(err))
		return res, nil
	}
	if err := writer.Put(artifact.NamespaceRecon, res.Key, content); err != nil {
		log.Error("recon artifact write failed", zap.String("key", res.Key), zap.Error(err))
		res.Err = err
		res.Error = err.Error()
		return res, fmt.Errorf("recon: write %s: %w", res.Key, err)
	}
	res.Bytes = len(content)
	log.Info("producer finished", zap.String("key", res.Key), zap.Int("bytes", res.Bytes))
	return res, nil
}
