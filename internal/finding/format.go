package finding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/lattice-audit/internal/artifact"
)

// ErrFormatViolation marks a write rejected by the format gate.
var ErrFormatViolation = errors.New("finding: format violation")

// FormatViolation is one problem found in a finding document. Blocking
// violations reject the write; the only non-blocking violation is a missing
// attack scenario, which ingests the finding as NeedsReview.
type FormatViolation struct {
	Field    string
	Message  string
	Blocking bool
}

func (v FormatViolation) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// FormatError carries the blocking violations of a rejected write.
type FormatError struct {
	Key        string
	Violations []FormatViolation
}

func (e *FormatError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Error())
	}
	return fmt.Sprintf("finding: %s rejected: %s", e.Key, strings.Join(msgs, "; "))
}

// Unwrap lets errors.Is match ErrFormatViolation.
func (e *FormatError) Unwrap() error {
	return ErrFormatViolation
}

// FormatValidator is the hook invoked before any finding write is accepted.
type FormatValidator interface {
	Validate(content []byte) []FormatViolation
}

// FormatValidatorFunc adapts a function into a FormatValidator.
type FormatValidatorFunc func(content []byte) []FormatViolation

// Validate calls fn.
func (fn FormatValidatorFunc) Validate(content []byte) []FormatViolation {
	return fn(content)
}

// DocumentFormat enforces the required finding document fields.
type DocumentFormat struct{}

// Validate checks the title identifier and every required section.
func (DocumentFormat) Validate(content []byte) []FormatViolation {
	var h header
	body, err := artifact.DecodeFrontMatter(content, &h)
	if err != nil {
		return []FormatViolation{{Field: "frontmatter", Message: err.Error(), Blocking: true}}
	}
	doc := ParseBody(body)
	var out []FormatViolation
	block := func(field, msg string) {
		out = append(out, FormatViolation{Field: field, Message: msg, Blocking: true})
	}
	if !doc.HasTitle {
		block("title", "missing '# <P>-<NN>: <title>' heading with severity-prefixed identifier")
	} else {
		if h.Severity != "" && doc.Prefix != h.Severity.Prefix() {
			block("title", fmt.Sprintf("prefix %s does not match severity %s", doc.Prefix, h.Severity))
		}
		if h.Sequence != 0 && doc.Sequence != h.Sequence {
			block("title", fmt.Sprintf("sequence %02d does not match %02d", doc.Sequence, h.Sequence))
		}
		if doc.Title == "" {
			block("title", "title text is empty")
		}
	}
	if doc.Sections[SectionSummary] == "" {
		block(SectionSummary, "section is required")
	}
	detail := doc.Sections[SectionDetail]
	switch {
	case detail == "":
		block(SectionDetail, "section is required")
	case len(ExtractLocations(detail)) == 0:
		block(SectionDetail, "must reference at least one file:line location")
	}
	if doc.Sections[SectionImpact] == "" {
		block(SectionImpact, "section is required")
	}
	if doc.Sections[SectionAttackScenario] == "" {
		out = append(out, FormatViolation{
			Field:   SectionAttackScenario,
			Message: "section is missing; finding cannot be validated automatically",
		})
	}
	return out
}

// Blocking filters the violations that reject a write.
func Blocking(violations []FormatViolation) []FormatViolation {
	var out []FormatViolation
	for _, v := range violations {
		if v.Blocking {
			out = append(out, v)
		}
	}
	return out
}

// MissingAttackScenario reports whether the violations include an absent
// attack scenario.
func MissingAttackScenario(violations []FormatViolation) bool {
	for _, v := range violations {
		if v.Field == SectionAttackScenario {
			return true
		}
	}
	return false
}
