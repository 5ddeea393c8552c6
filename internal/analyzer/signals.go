package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Signals counts keyword hits per signal name.
type Signals map[string]int

// Has reports whether the signal was detected at least once.
func (s Signals) Has(name string) bool {
	return s[name] > 0
}

// Names returns detected signals in lexical order.
func (s Signals) Names() []string {
	names := make([]string, 0, len(s))
	for name, n := range s {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Merge returns the sum of s and others without mutating any input.
func (s Signals) Merge(others ...Signals) Signals {
	out := Signals{}
	for _, set := range append([]Signals{s}, others...) {
		for name, n := range set {
			if n > 0 {
				out[name] += n
			}
		}
	}
	return out
}

// SignalRule maps a named signal to the pattern that detects it.
type SignalRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

func (r *SignalRule) compile() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("analyzer: signal name is required")
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("analyzer: signal %s: %w", r.Name, err)
	}
	r.re = re
	return nil
}

// Detector counts signal hits in text.
type Detector struct {
	rules []SignalRule
}

// NewDetector compiles the rules into a detector.
func NewDetector(rules []SignalRule) (*Detector, error) {
	compiled := make([]SignalRule, len(rules))
	for i, rule := range rules {
		if err := rule.compile(); err != nil {
			return nil, err
		}
		compiled[i] = rule
	}
	return &Detector{rules: compiled}, nil
}

// Detect counts every signal match in text.
func (d *Detector) Detect(text string) Signals {
	out := Signals{}
	for _, rule := range d.rules {
		if n := len(rule.re.FindAllStringIndex(text, -1)); n > 0 {
			out[rule.Name] += n
		}
	}
	return out
}
