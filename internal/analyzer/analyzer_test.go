package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/lattice-audit/internal/finding"
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

func TestDefaultRuleSetCompiles(t *testing.T) {
	rs, err := DefaultRuleSet()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	reg, err := DefaultRegistry(rs)
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	want := []string{"access-control", "logic-error", "state-interaction", "economic-attack", "input-validation", "denial-of-service"}
	if diff := cmp.Diff(want, reg.Categories()); diff != "" {
		t.Fatalf("registry order mismatch (-want +got):\n%s", diff)
	}
	if !rs.IsSource("contracts/Vault.sol") || rs.IsSource("README.md") {
		t.Fatalf("unexpected source classification")
	}
	if !rs.IsDoc("docs/README.md") {
		t.Fatalf("expected markdown to be documentation")
	}
}

func TestDetectorCountsSignals(t *testing.T) {
	rs, err := DefaultRuleSet()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	signals := rs.Detector().Detect(vaultSource)
	for _, name := range []string{"external-call", "access-modifier", "privileged-function", "state-write"} {
		if !signals.Has(name) {
			t.Fatalf("expected signal %s in %v", name, signals)
		}
	}
	if signals.Has("price-oracle") {
		t.Fatalf("unexpected oracle signal")
	}
}

func TestSignalsMergeDoesNotMutate(t *testing.T) {
	a := Signals{"loop": 1}
	b := Signals{"loop": 2, "arithmetic": 1}
	merged := a.Merge(b)
	if merged["loop"] != 3 || merged["arithmetic"] != 1 || a["loop"] != 1 {
		t.Fatalf("unexpected merge %v (input %v)", merged, a)
	}
	if diff := cmp.Diff([]string{"arithmetic", "loop"}, merged.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestRuleAnalyzerProducesDrafts(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "Vault.sol"), []byte(vaultSource), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rs, err := DefaultRuleSet()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	cat, ok := rs.Category("state-interaction")
	if !ok {
		t.Fatalf("missing state-interaction rules")
	}
	snapshot := Snapshot{ProjectRoot: root, Inventory: Inventory{Files: []SourceFile{{Path: "src/Vault.sol"}}}}
	drafts, err := NewRuleAnalyzer(cat).Run(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("expected one draft, got %d: %+v", len(drafts), drafts)
	}
	d := drafts[0]
	if d.Severity != finding.High || d.Locations[0] != (finding.Location{File: "src/Vault.sol", Line: 7}) {
		t.Fatalf("unexpected draft %+v", d)
	}
	if !strings.Contains(d.Detail, "src/Vault.sol:7") || d.AttackScenario == "" {
		t.Fatalf("draft is missing detail or scenario: %+v", d)
	}
}

func TestRuleAnalyzerHonorsUnlessAndCancellation(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Vault.sol"), []byte(vaultSource), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rs, err := DefaultRuleSet()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	cat, _ := rs.Category("access-control")
	snapshot := Snapshot{ProjectRoot: root, Inventory: Inventory{Files: []SourceFile{{Path: "Vault.sol"}}}}
	drafts, err := NewRuleAnalyzer(cat).Run(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Locations[0].Line != 6 {
		t.Fatalf("expected only the unguarded withdraw, got %+v", drafts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRuleAnalyzer(cat).Run(ctx, snapshot); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestLoadRuleSetOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := `
categories:
  - id: governance
    rules:
      - id: timelock-bypass
        severity: high
        title: Timelock bypass
        pattern: 'executeNow'
        summary: s
        impact: i
weights:
  loop:
    governance: 5
`
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	rs, err := LoadRuleSet(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := rs.Category("governance"); !ok {
		t.Fatalf("overlay category missing")
	}
	if rs.Weights["loop"]["governance"] != 5 || rs.Weights["loop"]["denial-of-service"] != 3 {
		t.Fatalf("weights not merged: %v", rs.Weights["loop"])
	}
	if _, err := LoadRuleSet(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("missing dir should fall back to defaults: %v", err)
	}
}

func TestParseRuleSetRejectsUnknownWeightCategory(t *testing.T) {
	_, err := ParseRuleSet([]byte("weights:\n  loop:\n    nowhere: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown category") {
		t.Fatalf("expected unknown category error, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	a := CategoryFunc{ID: "access-control", Fn: func(context.Context, Snapshot) ([]finding.Draft, error) { return nil, nil }}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(a); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := reg.Register(CategoryFunc{ID: "Bad ID"}); err == nil {
		t.Fatalf("expected invalid id error")
	}
	if _, ok := reg.Get("access-control"); !ok || reg.Len() != 1 {
		t.Fatalf("lookup failed")
	}
}
