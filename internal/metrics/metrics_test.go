package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kingrea/lattice-audit/internal/finding"
)

func TestRecorderCountsAndEncodes(t *testing.T) {
	r := NewRecorder()
	r.ObserveAttempt(finding.Attempt{Stage: finding.StageBuild, Outcome: finding.OutcomeFailed, Kind: finding.CompileError})
	r.ObserveAttempt(finding.Attempt{Stage: finding.StageBuild, Outcome: finding.OutcomeFailed, Kind: finding.CompileError})
	r.ObserveAttempt(finding.Attempt{Stage: finding.StageEvaluate, Outcome: finding.OutcomeProven})
	r.ProducerFailed("documentation")
	r.CategoryFinished("access-control", 2, false)
	r.CategoryFinished("logic-error", 0, true)
	r.PhaseDuration("ReconRunning", 1500*time.Millisecond)
	r.SetFindings([]*finding.Finding{
		{ID: finding.ID{Severity: finding.High, Category: "access-control", Sequence: 1}, Status: finding.Validated},
		{ID: finding.ID{Severity: finding.High, Category: "access-control", Sequence: 2}, Status: finding.Validated},
	})

	if got := testutil.ToFloat64(r.attempts.WithLabelValues("build", "failed", "compile-error")); got != 2 {
		t.Fatalf("compile-error attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.attempts.WithLabelValues("evaluate", "proven", "none")); got != 1 {
		t.Fatalf("proven attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.findings.WithLabelValues("high", "validated")); got != 2 {
		t.Fatalf("validated findings = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.categoryFailures.WithLabelValues("logic-error")); got != 1 {
		t.Fatalf("category failures = %v, want 1", got)
	}

	out, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		`lattice_audit_recon_producer_failures_total{producer="documentation"} 1`,
		`lattice_audit_phase_duration_seconds{phase="ReconRunning"} 1.5`,
		`# TYPE lattice_audit_validation_attempts_total counter`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, text)
		}
	}
}
