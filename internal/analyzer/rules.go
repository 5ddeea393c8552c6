package analyzer

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-audit/internal/finding"
)

//go:embed rules/default.yaml
var defaultRules []byte

// DefaultMaxPerRule caps drafts emitted by one rule.
const DefaultMaxPerRule = 5

// RuleSet is the declarative analysis configuration: which file extensions
// count as source, which signals recon detects, how signals weigh toward
// categories, and the pattern rules each category analyzer applies.
type RuleSet struct {
	Extensions []string                  `yaml:"extensions"`
	DocGlobs   []string                  `yaml:"doc_globs"`
	Signals    []SignalRule              `yaml:"signals"`
	Weights    map[string]map[string]int `yaml:"weights"`
	Categories []CategoryRules           `yaml:"categories"`

	detector *Detector
}

// CategoryRules groups the rules of one registry category.
type CategoryRules struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Rules       []Rule `yaml:"rules"`
}

// Rule turns a line-level pattern match into a finding draft.
type Rule struct {
	ID       string           `yaml:"id"`
	Severity finding.Severity `yaml:"severity"`
	Title    string           `yaml:"title"`
	Pattern  string           `yaml:"pattern"`
	Unless   string           `yaml:"unless,omitempty"`
	Summary  string           `yaml:"summary"`
	Impact   string           `yaml:"impact"`
	Scenario string           `yaml:"scenario,omitempty"`
	Max      int              `yaml:"max,omitempty"`

	re     *regexp.Regexp
	unless *regexp.Regexp
}

// ParseRuleSet decodes, validates and compiles a rule set payload.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("analyzer: rule set payload is empty")
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("analyzer: decode rule set: %w", err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// DefaultRuleSet returns the built-in rules.
func DefaultRuleSet() (*RuleSet, error) {
	return ParseRuleSet(defaultRules)
}

// LoadRuleSet starts from the built-in rules and overlays every *.yaml file
// in dir in lexical order. Missing directories are treated as "no overrides".
func LoadRuleSet(dir string) (*RuleSet, error) {
	base, err := DefaultRuleSet()
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return base, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("analyzer: read %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("analyzer: read %s: %w", path, err)
		}
		var overlay RuleSet
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("analyzer: %s: %w", path, err)
		}
		base.merge(overlay)
	}
	if err := base.compile(); err != nil {
		return nil, err
	}
	return base, nil
}

// Detector returns the compiled signal detector.
func (rs *RuleSet) Detector() *Detector {
	return rs.detector
}

// Category returns the rules of one category.
func (rs *RuleSet) Category(id string) (CategoryRules, bool) {
	for _, cat := range rs.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return CategoryRules{}, false
}

// IsSource reports whether path has a configured source extension.
func (rs *RuleSet) IsSource(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range rs.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// IsDoc reports whether the base name of path matches a documentation glob.
func (rs *RuleSet) IsDoc(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, glob := range rs.DocGlobs {
		if ok, _ := filepath.Match(glob, name); ok {
			return true
		}
	}
	return false
}

func (rs *RuleSet) merge(overlay RuleSet) {
	if len(overlay.Extensions) > 0 {
		rs.Extensions = overlay.Extensions
	}
	if len(overlay.DocGlobs) > 0 {
		rs.DocGlobs = overlay.DocGlobs
	}
	for _, sig := range overlay.Signals {
		replaced := false
		for i := range rs.Signals {
			if rs.Signals[i].Name == sig.Name {
				rs.Signals[i] = sig
				replaced = true
			}
		}
		if !replaced {
			rs.Signals = append(rs.Signals, sig)
		}
	}
	for signal, weights := range overlay.Weights {
		if rs.Weights == nil {
			rs.Weights = map[string]map[string]int{}
		}
		if rs.Weights[signal] == nil {
			rs.Weights[signal] = map[string]int{}
		}
		for category, w := range weights {
			rs.Weights[signal][category] = w
		}
	}
	for _, cat := range overlay.Categories {
		replaced := false
		for i := range rs.Categories {
			if rs.Categories[i].ID == cat.ID {
				rs.Categories[i] = cat
				replaced = true
			}
		}
		if !replaced {
			rs.Categories = append(rs.Categories, cat)
		}
	}
}

func (rs *RuleSet) compile() error {
	for i, ext := range rs.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		rs.Extensions[i] = ext
	}
	for i, glob := range rs.DocGlobs {
		rs.DocGlobs[i] = strings.ToLower(strings.TrimSpace(glob))
	}
	detector, err := NewDetector(rs.Signals)
	if err != nil {
		return err
	}
	rs.detector = detector
	seen := map[string]bool{}
	for ci := range rs.Categories {
		cat := &rs.Categories[ci]
		cat.ID = strings.TrimSpace(cat.ID)
		if !categoryID.MatchString(cat.ID) {
			return fmt.Errorf("analyzer: invalid category id %q", cat.ID)
		}
		if seen[cat.ID] {
			return fmt.Errorf("analyzer: duplicate category %s", cat.ID)
		}
		seen[cat.ID] = true
		for ri := range cat.Rules {
			if err := cat.Rules[ri].compile(); err != nil {
				return fmt.Errorf("analyzer: category %s: %w", cat.ID, err)
			}
		}
	}
	for signal, weights := range rs.Weights {
		for category := range weights {
			if !seen[category] {
				return fmt.Errorf("analyzer: weight for signal %s names unknown category %s", signal, category)
			}
		}
	}
	return nil
}

func (r *Rule) compile() error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("rule %s: title is required", r.ID)
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil || r.Pattern == "" {
		return fmt.Errorf("rule %s: invalid pattern: %v", r.ID, err)
	}
	r.re = re
	if r.Unless != "" {
		unless, err := regexp.Compile(r.Unless)
		if err != nil {
			return fmt.Errorf("rule %s: invalid unless pattern: %w", r.ID, err)
		}
		r.unless = unless
	}
	if r.Max <= 0 {
		r.Max = DefaultMaxPerRule
	}
	return nil
}

func (r *Rule) matches(line string) bool {
	if r.re == nil || !r.re.MatchString(line) {
		return false
	}
	return r.unless == nil || !r.unless.MatchString(line)
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
