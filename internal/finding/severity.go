package finding

import (
	"fmt"
	"strings"
)

// Severity classifies a finding and decides report grouping.
type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	QA       Severity = "qa"
)

var severities = []Severity{Critical, High, Medium, Low, QA}

// Severities returns every severity from most to least severe.
func Severities() []Severity {
	return append([]Severity{}, severities...)
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Rank orders severities; Critical is highest. Unknown values rank -1.
func (s Severity) Rank() int {
	for i, known := range severities {
		if known == s {
			return len(severities) - 1 - i
		}
	}
	return -1
}

// Prefix is the single-letter identifier prefix (H in H-01).
func (s Severity) Prefix() string {
	switch s {
	case QA:
		return "Q"
	case "":
		return ""
	default:
		return strings.ToUpper(string(s[:1]))
	}
}

// Label renders the severity for humans.
func (s Severity) Label() string {
	if s == QA {
		return "QA"
	}
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// ParseSeverity accepts names in any case or a single-letter prefix.
func ParseSeverity(value string) (Severity, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, s := range severities {
		if v == string(s) || v == strings.ToLower(s.Prefix()) {
			return s, nil
		}
	}
	return "", fmt.Errorf("finding: unknown severity %q", value)
}
