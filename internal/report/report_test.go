package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

func sample(sev finding.Severity, category string, seq int, status finding.Status) *finding.Finding {
	id := finding.ID{Severity: sev, Category: category, Sequence: seq}
	f := finding.FromDraft(id, finding.Draft{
		Severity:       sev,
		Title:          "Issue " + id.Label() + " in " + category,
		Summary:        "summary",
		Detail:         "see src/Vault.sol:12",
		Impact:         "funds at risk",
		AttackScenario: "1. deposit\n2. withdraw twice",
	})
	f.Status = status
	return f
}

func sampleSet() []*finding.Finding {
	needsReview := sample(finding.Medium, "logic-error", 1, finding.NeedsReview)
	needsReview.Attempts = []finding.Attempt{
		{Number: 1, Stage: finding.StageExecute, Outcome: finding.OutcomeFailed, Kind: finding.Timeout},
		{Number: 2, Stage: finding.StageExecute, Outcome: finding.OutcomeFailed, Kind: finding.Timeout},
		{Number: 3, Stage: finding.StageExecute, Outcome: finding.OutcomeFailed, Kind: finding.Timeout},
	}
	overridden := sample(finding.Low, "access-control", 1, finding.Validated)
	overridden.Overrides = []finding.OverrideRecord{{
		From: finding.NeedsReview, To: finding.Validated, Reason: "confirmed manually", Actor: "auditor",
		At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	return []*finding.Finding{
		sample(finding.QA, "access-control", 1, finding.Invalidated),
		needsReview,
		sample(finding.High, "logic-error", 2, finding.Validated),
		overridden,
		sample(finding.Critical, "state-interaction", 1, finding.Validated),
		sample(finding.High, "access-control", 1, finding.Validated),
		sample(finding.High, "logic-error", 1, finding.Invalidated),
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	in := Input{Findings: sampleSet(), Categories: []string{"access-control", "logic-error", "state-interaction"}}
	first, err := Render(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := Render(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("report output changed between runs:\n%s", cmp.Diff(string(first), string(second)))
	}

	shuffled := sampleSet()
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	in.Findings = shuffled
	third, err := Render(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(first, third) {
		t.Fatalf("report depends on input order:\n%s", cmp.Diff(string(first), string(third)))
	}
}

func TestRenderOrdersBySeverityCategorySequence(t *testing.T) {
	out, err := Render(Input{Findings: sampleSet()})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var got []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "### ") || strings.HasPrefix(line, "#### ") {
			got = append(got, line)
		}
	}
	want := []string{
		"## Summary",
		"## Critical",
		"### state-interaction",
		"#### C-01: Issue C-01 in state-interaction",
		"## High",
		"### access-control",
		"#### H-01: Issue H-01 in access-control",
		"### logic-error",
		"#### H-01: Issue H-01 in logic-error",
		"#### H-02: Issue H-02 in logic-error",
		"## Medium",
		"### logic-error",
		"#### M-01: Issue M-01 in logic-error",
		"## Low",
		"### access-control",
		"#### L-01: Issue L-01 in access-control",
		"## QA",
		"### access-control",
		"#### Q-01: Issue Q-01 in access-control",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("heading order mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderShowsEveryStatusAndOverride(t *testing.T) {
	out, err := Render(Input{Findings: sampleSet()})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		"- Status: invalidated",
		"- Status: needs-review",
		"- Attempts: 3 (timeout, timeout, timeout)",
		"- Override: needs-review -> validated by auditor (confirmed manually)",
		"- Locations: `src/Vault.sol:12`",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in report:\n%s", want, text)
		}
	}
	if strings.Contains(text, "2026") {
		t.Fatalf("report content must not carry timestamps:\n%s", text)
	}
	var h header
	if _, err := artifact.DecodeFrontMatter(out, &h); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.Total != 7 || h.ByStatus["validated"] != 4 || h.BySeverity["high"] != 3 || h.Degraded {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestRenderFlagsDegradedRun(t *testing.T) {
	out, err := Render(Input{MissingRecon: []string{workflow.FileDocFindings}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var h header
	if _, err := artifact.DecodeFrontMatter(out, &h); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if !h.Degraded || !cmp.Equal(h.MissingRecon, []string{"doc-findings"}) {
		t.Fatalf("expected degraded header, got %+v", h)
	}
	if !strings.Contains(string(out), "Missing recon: doc-findings.") || !strings.Contains(string(out), "No findings were reported.") {
		t.Fatalf("expected degraded banner:\n%s", out)
	}
}

func TestAggregatorWritesReport(t *testing.T) {
	ws := workflow.NewWorkspace(t.TempDir())
	if err := ws.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	store := artifact.NewStore(ws)
	repo := finding.NewRepository(store)
	for _, f := range sampleSet() {
		content, err := finding.Encode(f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := store.Put(finding.Namespace(f.ID), f.Key(), content); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, err := Latest(store); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected no report yet, got %v", err)
	}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(store, repo, WithClock(func() time.Time { return clock }))
	first, err := agg.Run(Input{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if first.Key != "20260301T120000.000Z-report" || len(first.Findings) != 7 {
		t.Fatalf("unexpected result key=%s findings=%d", first.Key, len(first.Findings))
	}
	clock = clock.Add(time.Minute)
	second, err := agg.Run(Input{})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !bytes.Equal(first.Content, second.Content) {
		t.Fatalf("rerun on unchanged findings produced different bytes")
	}
	latest, err := Latest(store)
	if err != nil || latest != second.Key {
		t.Fatalf("latest = %s (%v), want %s", latest, err, second.Key)
	}
	stored, err := store.Get(artifact.NamespaceReports, latest)
	if err != nil || !bytes.Equal(stored, second.Content) {
		t.Fatalf("stored report mismatch: %v", err)
	}
	if tbl := Table(first.Findings); !strings.Contains(tbl, "C-01") || !strings.Contains(tbl, "Total") {
		t.Fatalf("unexpected table:\n%s", tbl)
	}
}

func TestAggregatorNeverOverwritesReportsInSameInstant(t *testing.T) {
	ws := workflow.NewWorkspace(t.TempDir())
	if err := ws.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	store := artifact.NewStore(ws)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 250*int(time.Microsecond), time.UTC)
	agg := NewAggregator(store, finding.NewRepository(store), WithClock(func() time.Time { return clock }))
	var keys []string
	for i := 0; i < 3; i++ {
		res, err := agg.Run(Input{})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		keys = append(keys, res.Key)
	}
	want := []string{
		"20260301T120000.000Z-report",
		"20260301T120000.001Z-report",
		"20260301T120000.002Z-report",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("report keys mismatch (-want +got):\n%s", diff)
	}
	latest, err := Latest(store)
	if err != nil || latest != want[2] {
		t.Fatalf("latest = %s (%v), want %s", latest, err, want[2])
	}
}
