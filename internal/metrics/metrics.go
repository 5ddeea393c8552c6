// Package metrics counts run activity and exports it as a Prometheus text
// file in the workspace meta namespace.
package metrics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/kingrea/lattice-audit/internal/finding"
)

const namespace = "lattice_audit"

// Recorder owns a private registry so concurrent runs never share counters.
type Recorder struct {
	registry         *prometheus.Registry
	attempts         *prometheus.CounterVec
	findings         *prometheus.GaugeVec
	producerFailures *prometheus.CounterVec
	categoryFailures *prometheus.CounterVec
	categoryFindings *prometheus.CounterVec
	phaseDuration    *prometheus.GaugeVec
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "attempts_total",
				Help:      "Validation attempts by stage, outcome and error kind.",
			},
			[]string{"stage", "outcome", "kind"},
		),
		findings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "findings",
				Help:      "Findings by severity and validation status.",
			},
			[]string{"severity", "status"},
		),
		producerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recon",
				Name:      "producer_failures_total",
				Help:      "Recon producers that failed to write their artifact.",
			},
			[]string{"producer"},
		),
		categoryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "category_failures_total",
				Help:      "Category analyzers that failed.",
			},
			[]string{"category"},
		),
		categoryFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "findings_written_total",
				Help:      "Findings written per category.",
			},
			[]string{"category"},
		),
		phaseDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each pipeline phase.",
			},
			[]string{"phase"},
		),
	}
	r.registry.MustRegister(r.attempts, r.findings, r.producerFailures, r.categoryFailures, r.categoryFindings, r.phaseDuration)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveAttempt counts one recorded validation attempt.
func (r *Recorder) ObserveAttempt(a finding.Attempt) {
	kind := string(a.Kind)
	if kind == "" {
		kind = "none"
	}
	r.attempts.WithLabelValues(string(a.Stage), string(a.Outcome), kind).Inc()
}

// ProducerFailed counts a failed recon producer.
func (r *Recorder) ProducerFailed(name string) {
	r.producerFailures.WithLabelValues(name).Inc()
}

// CategoryFinished records the outcome of one category analyzer.
func (r *Recorder) CategoryFinished(category string, written int, failed bool) {
	r.categoryFindings.WithLabelValues(category).Add(float64(written))
	if failed {
		r.categoryFailures.WithLabelValues(category).Inc()
	}
}

// PhaseDuration records how long a phase ran.
func (r *Recorder) PhaseDuration(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Set(d.Seconds())
}

// SetFindings replaces the per-status finding gauges.
func (r *Recorder) SetFindings(findings []*finding.Finding) {
	r.findings.Reset()
	for _, sev := range finding.Severities() {
		for _, st := range finding.Statuses() {
			r.findings.WithLabelValues(string(sev), string(st)).Set(0)
		}
	}
	for _, f := range findings {
		r.findings.WithLabelValues(string(f.ID.Severity), string(f.Status)).Inc()
	}
}

// Encode gathers the registry in the Prometheus text exposition format.
func (r *Recorder) Encode() ([]byte, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}
