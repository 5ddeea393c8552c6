// Package finding models audit findings, their validation history and the
// markdown document format they are persisted in.
package finding

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxAttempts is the hard ceiling on validation attempts per finding.
const MaxAttempts = 3

var (
	// ErrImmutable is returned when mutating a Validated or Invalidated finding.
	ErrImmutable = errors.New("finding: finding is immutable")
	// ErrNotRetryable is returned when appending an attempt to a finding that
	// is not Unvalidated.
	ErrNotRetryable = errors.New("finding: finding is not open for validation")
	// ErrAttemptLimit is returned when the attempt ceiling has been reached.
	ErrAttemptLimit = errors.New("finding: attempt limit reached")
	// ErrAttemptOrder is returned when attempt numbers are not contiguous.
	ErrAttemptOrder = errors.New("finding: attempt out of order")
)

// ID identifies a finding across the workspace.
type ID struct {
	Severity Severity
	Category string
	Sequence int
}

// String renders the canonical id, e.g. high/access-control/01.
func (id ID) String() string {
	return fmt.Sprintf("%s/%s/%02d", id.Severity, id.Category, id.Sequence)
}

// Label renders the severity-prefixed identifier, e.g. H-01.
func (id ID) Label() string {
	return fmt.Sprintf("%s-%02d", id.Severity.Prefix(), id.Sequence)
}

// Less orders ids by severity rank descending, then category, then sequence.
func (id ID) Less(other ID) bool {
	if id.Severity != other.Severity {
		return id.Severity.Rank() > other.Severity.Rank()
	}
	if id.Category != other.Category {
		return id.Category < other.Category
	}
	return id.Sequence < other.Sequence
}

// Validate checks that every component of the id is usable as a path.
func (id ID) Validate() error {
	if !id.Severity.Valid() {
		return fmt.Errorf("finding: invalid severity %q", id.Severity)
	}
	if !categoryPattern.MatchString(id.Category) {
		return fmt.Errorf("finding: invalid category %q", id.Category)
	}
	if id.Sequence < 1 {
		return fmt.Errorf("finding: sequence must be positive, got %d", id.Sequence)
	}
	return nil
}

var categoryPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ParseID parses the canonical severity/category/NN form.
func ParseID(value string) (ID, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("finding: id %q must be severity/category/NN", value)
	}
	sev, err := ParseSeverity(parts[0])
	if err != nil {
		return ID{}, err
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil {
		return ID{}, fmt.Errorf("finding: id %q has invalid sequence: %w", value, err)
	}
	id := ID{Severity: sev, Category: parts[1], Sequence: seq}
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Location is a file:line code reference.
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

var locationPattern = regexp.MustCompile(`([A-Za-z0-9_./-]+\.[A-Za-z0-9]+):(\d+)`)

// ParseLocation parses a single file:line reference.
func ParseLocation(value string) (Location, error) {
	m := locationPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil || m[0] != strings.TrimSpace(value) {
		return Location{}, fmt.Errorf("finding: %q is not a file:line reference", value)
	}
	line, _ := strconv.Atoi(m[2])
	return Location{File: m[1], Line: line}, nil
}

// ExtractLocations returns every file:line reference in text, in order of
// first appearance.
func ExtractLocations(text string) []Location {
	var out []Location
	seen := map[string]bool{}
	for _, m := range locationPattern.FindAllStringSubmatch(text, -1) {
		if seen[m[0]] {
			continue
		}
		seen[m[0]] = true
		line, _ := strconv.Atoi(m[2])
		out = append(out, Location{File: m[1], Line: line})
	}
	return out
}

// Attempt is one generate/build/execute/evaluate iteration.
type Attempt struct {
	Number     int       `yaml:"number"`
	Stage      Stage     `yaml:"stage"`
	Outcome    Outcome   `yaml:"outcome"`
	Kind       ErrorKind `yaml:"kind,omitempty"`
	Diagnostic string    `yaml:"diagnostic,omitempty"`
	At         time.Time `yaml:"at"`
}

// Resolves reports whether the attempt settles the finding.
func (a Attempt) Resolves() bool {
	return a.Outcome == OutcomeProven || a.Outcome == OutcomeDisproved
}

// Draft is what a category analyzer produces before the dispatcher assigns
// identity.
type Draft struct {
	Severity       Severity
	Title          string
	Summary        string
	Detail         string
	Impact         string
	AttackScenario string
	Locations      []Location
}

// Finding is one candidate vulnerability and its validation history.
type Finding struct {
	ID             ID
	Title          string
	Slug           string
	Summary        string
	Detail         string
	Impact         string
	AttackScenario string
	Locations      []Location
	Status         Status
	Attempts       []Attempt
	Overrides      []OverrideRecord
}

// FromDraft builds an Unvalidated finding from an analyzer draft.
func FromDraft(id ID, d Draft) *Finding {
	locations := append([]Location{}, d.Locations...)
	if len(locations) == 0 {
		locations = ExtractLocations(d.Detail)
	}
	return &Finding{
		ID:             id,
		Title:          strings.TrimSpace(d.Title),
		Slug:           Slugify(d.Title),
		Summary:        strings.TrimSpace(d.Summary),
		Detail:         strings.TrimSpace(d.Detail),
		Impact:         strings.TrimSpace(d.Impact),
		AttackScenario: strings.TrimSpace(d.AttackScenario),
		Locations:      locations,
		Status:         Unvalidated,
	}
}

// Key is the artifact key: <prefix>-<NN>-<slug>.
func (f *Finding) Key() string {
	slug := f.Slug
	if slug == "" {
		slug = Slugify(f.Title)
	}
	return f.ID.Label() + "-" + slug
}

// AttemptCount returns how many attempts have been recorded.
func (f *Finding) AttemptCount() int {
	return len(f.Attempts)
}

// HasAttackScenario reports whether the validator has any input to work from.
func (f *Finding) HasAttackScenario() bool {
	return strings.TrimSpace(f.AttackScenario) != ""
}

// AppendAttempt records a and advances the status. limit caps the attempts
// for this run and is clamped to [1, MaxAttempts]. A proven attempt
// validates the finding, a disproved one invalidates it, and a failure that
// exhausts the limit moves it to NeedsReview.
func (f *Finding) AppendAttempt(a Attempt, limit int) error {
	if f.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrImmutable, f.ID, f.Status)
	}
	if f.Status != Unvalidated {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, f.ID, f.Status)
	}
	limit = ClampAttempts(limit)
	if len(f.Attempts) >= limit {
		return fmt.Errorf("%w: %s has %d attempt(s)", ErrAttemptLimit, f.ID, len(f.Attempts))
	}
	if a.Number != len(f.Attempts)+1 {
		return fmt.Errorf("%w: %s expected attempt %d, got %d", ErrAttemptOrder, f.ID, len(f.Attempts)+1, a.Number)
	}
	if a.Outcome == OutcomeFailed && !slices.Contains(ErrorKinds(), a.Kind) {
		return fmt.Errorf("finding: failed attempt for %s has unknown error kind %q", f.ID, a.Kind)
	}
	f.Attempts = append(f.Attempts, a)
	switch {
	case a.Resolves() && a.Outcome == OutcomeProven:
		f.Status = Validated
	case a.Resolves():
		f.Status = Invalidated
	case len(f.Attempts) >= limit:
		f.Status = NeedsReview
	}
	return nil
}

// ClampAttempts bounds a configured attempt count to [1, MaxAttempts].
func ClampAttempts(n int) int {
	if n < 1 || n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// Sort orders findings deterministically by id.
func Sort(findings []*Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].ID.Less(findings[j].ID)
	})
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a title into a lowercase hyphenated key fragment.
func Slugify(title string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	if slug == "" {
		return "finding"
	}
	return slug
}
