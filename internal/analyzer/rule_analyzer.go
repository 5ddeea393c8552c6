package analyzer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kingrea/lattice-audit/internal/finding"
)

// RuleAnalyzer applies the line rules of one category to every source file in
// the recon inventory.
type RuleAnalyzer struct {
	rules CategoryRules
}

// NewRuleAnalyzer builds an analyzer from compiled category rules.
func NewRuleAnalyzer(rules CategoryRules) *RuleAnalyzer {
	return &RuleAnalyzer{rules: rules}
}

// Category returns the registry id.
func (a *RuleAnalyzer) Category() string {
	return a.rules.ID
}

// Run scans inventory files in order and emits at most Rule.Max drafts per rule.
func (a *RuleAnalyzer) Run(ctx context.Context, snapshot Snapshot) ([]finding.Draft, error) {
	counts := make([]int, len(a.rules.Rules))
	var drafts []finding.Draft
	for _, file := range snapshot.Inventory.Files {
		if err := ctx.Err(); err != nil {
			return drafts, err
		}
		found, err := a.scanFile(snapshot.ProjectRoot, file.Path, counts)
		if err != nil {
			return drafts, err
		}
		drafts = append(drafts, found...)
	}
	return drafts, nil
}

func (a *RuleAnalyzer) scanFile(root, rel string, counts []int) ([]finding.Draft, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("analyzer: %s: open %s: %w", a.rules.ID, rel, err)
	}
	defer f.Close()
	var drafts []finding.Draft
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for i := range a.rules.Rules {
			rule := &a.rules.Rules[i]
			if counts[i] >= rule.Max || !rule.matches(line) {
				continue
			}
			counts[i]++
			drafts = append(drafts, rule.draft(rel, lineNo, line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("analyzer: %s: scan %s: %w", a.rules.ID, rel, err)
	}
	return drafts, nil
}

func (r *Rule) draft(file string, line int, text string) finding.Draft {
	loc := finding.Location{File: file, Line: line}
	detail := fmt.Sprintf("Rule `%s` matched at %s:\n\n```\n%s\n```", r.ID, loc, strings.TrimSpace(text))
	return finding.Draft{
		Severity:       r.Severity,
		Title:          fmt.Sprintf("%s in %s:%d", r.Title, path.Base(file), line),
		Summary:        strings.TrimSpace(r.Summary),
		Detail:         detail,
		Impact:         strings.TrimSpace(r.Impact),
		AttackScenario: strings.TrimSpace(r.Scenario),
		Locations:      []finding.Location{loc},
	}
}
