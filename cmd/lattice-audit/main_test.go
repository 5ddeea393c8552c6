package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/lattice-audit/internal/config"
)

const vaultSource = `pragma solidity ^0.8.0;

contract Vault {
    mapping(address => uint256) balances;

    function withdraw(uint256 amount) external {
        (bool ok, ) = msg.sender.call{value: amount}("");
        require(ok);
        balances[msg.sender] -= amount;
    }
}
`

const scriptedConfig = `version: 1
toolchain:
  ext: .t.sol
  build: ["true"]
  execute: ["sh", "-c", "echo 'ATTACKER_GAIN: 1 ether'"]
log:
  level: warn
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "Vault.sol"), []byte(vaultSource), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func mustContain(t *testing.T, out string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"init": false, "run": false, "status": false, "report": false, "override": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
}

func TestAuditLifecycle(t *testing.T) {
	project := newProject(t)
	flag := "--project=" + project

	out, err := execute(t, "init", flag)
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	configPath := filepath.Join(project, ".lattice-audit", "config.yaml")
	mustContain(t, out, "Workspace:", configPath)
	if err := os.WriteFile(configPath, []byte(scriptedConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err = execute(t, "status", flag)
	if err != nil {
		t.Fatalf("status before run: %v", err)
	}
	mustContain(t, out, "No audit run recorded")

	out, err = execute(t, "run", flag)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	mustContain(t, out, "» Recon", "selected access-control (score 4)", "» Done", "Status:  complete", "Report:", "H-01")

	out, err = execute(t, "status", flag)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	mustContain(t, out, "Phase:   Done", "access-control (score 4)", "validated: 2", "recon-running -> recon-complete")

	out, err = execute(t, "report", flag)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	mustContain(t, out, "# Security Audit Report", "## High", "- Status: validated")

	out, err = execute(t, "override", flag, "high/access-control/01", "invalidated", "--reason=guarded by proxy", "--actor=alice")
	if err != nil {
		t.Fatalf("override: %v\n%s", err, out)
	}
	mustContain(t, out, "H-01 high/access-control/01 is now invalidated", "Report:")

	out, err = execute(t, "report", flag)
	if err != nil {
		t.Fatalf("report after override: %v", err)
	}
	mustContain(t, out, "- Override: validated -> invalidated by alice (guarded by proxy)")

	out, err = execute(t, "report", flag, "--table")
	if err != nil {
		t.Fatalf("report table: %v", err)
	}
	mustContain(t, out, "access-control", "invalidated")
}

func TestOverrideRequiresReason(t *testing.T) {
	project := newProject(t)
	if _, err := execute(t, "override", "--project="+project, "high/access-control/01", "validated"); err == nil {
		t.Fatalf("expected missing --reason to fail")
	}
}

func TestOverrideRejectsBadStatus(t *testing.T) {
	project := newProject(t)
	_, err := execute(t, "override", "--project="+project, "high/access-control/01", "maybe", "--reason=x")
	if err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Fatalf("expected status parse error, got %v", err)
	}
}

func TestStatusWithoutWorkspace(t *testing.T) {
	project := newProject(t)
	_, err := execute(t, "status", "--project="+project)
	if err == nil || !strings.Contains(err.Error(), "lattice-audit init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}

func TestInitWritesRunSettings(t *testing.T) {
	project := newProject(t)
	out, err := execute(t, "init", "--project", project, "--select-count", "2", "--concurrency", "1", "--max-attempts", "2")
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	cfg, err := config.Load(project, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SelectCount != 2 || cfg.Concurrency != 1 || cfg.MaxAttempts != 2 {
		t.Fatalf("settings not saved: select=%d concurrency=%d attempts=%d", cfg.SelectCount, cfg.Concurrency, cfg.MaxAttempts)
	}
	if len(cfg.Toolchain.Build) == 0 {
		t.Fatalf("saving settings dropped the default toolchain")
	}

	if _, err := execute(t, "init", "--project", project, "--max-attempts", "7"); err == nil {
		t.Fatalf("expected attempts above the ceiling to be rejected")
	}
	cfg, err = config.Load(project, "")
	if err != nil || cfg.MaxAttempts != 2 {
		t.Fatalf("rejected flag must not touch config: %d %v", cfg.MaxAttempts, err)
	}
}
