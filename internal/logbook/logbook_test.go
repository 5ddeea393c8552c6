package logbook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/lattice-audit/internal/workflow"
)

func TestTailReturnsRecentEntriesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta", "logbook.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	entries, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total entries = %d, want 5", total)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Message)
	}
	if diff := cmp.Diff([]string{"entry-2", "entry-3", "entry-4"}, got); diff != "" {
		t.Fatalf("tail mismatch (-want +got):\n%s", diff)
	}
}

func TestScopedEntriesCarryPhaseAndSubject(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "logbook.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	book.SetClock(func() time.Time { return at })
	book.For(workflow.PhaseReconRunning, "documentation").Warn("producer failed: %s", "README unreadable")
	book.For(workflow.PhaseValidationRunning, "high/access-control/01").Info("settled as validated")
	book.Error("  run failed:\n  exit 1  ")

	data, err := os.ReadFile(book.Path())
	if err != nil {
		t.Fatalf("read logbook: %v", err)
	}
	wantLines := []string{
		"2026-05-06T07:08:09Z WARN  [recon-running] <documentation> producer failed: README unreadable",
		"2026-05-06T07:08:09Z INFO  [validation-running] <high/access-control/01> settled as validated",
		"2026-05-06T07:08:09Z ERROR run failed: exit 1",
	}
	if diff := cmp.Diff(wantLines, strings.Split(strings.TrimSpace(string(data)), "\n")); diff != "" {
		t.Fatalf("logbook lines mismatch (-want +got):\n%s", diff)
	}

	entries, _ := book.Tail(10)
	want := []Entry{
		{At: at, Level: LevelWarn, Phase: workflow.PhaseReconRunning, Subject: "documentation", Message: "producer failed: README unreadable"},
		{At: at, Level: LevelInfo, Phase: workflow.PhaseValidationRunning, Subject: "high/access-control/01", Message: "settled as validated"},
		{At: at, Level: LevelError, Message: "run failed: exit 1"},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("parsed entries mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEntryKeepsForeignLines(t *testing.T) {
	e, ok := ParseEntry("not a logbook line")
	if ok || e.Message != "not a logbook line" || e.Level != "" {
		t.Fatalf("unexpected parse of foreign line: %+v %v", e, ok)
	}
}

func TestNilLogbookIsSilent(t *testing.T) {
	var book *Logbook
	book.Info("dropped")
	book.For(workflow.PhaseDone, "x").Warn("dropped")
	if entries, total := book.Tail(5); entries != nil || total != 0 {
		t.Fatalf("nil logbook returned entries")
	}
}
