package finding

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kingrea/lattice-audit/internal/artifact"
)

// Section headings of a finding document.
const (
	SectionSummary        = "Summary"
	SectionDetail         = "Vulnerability Detail"
	SectionImpact         = "Impact"
	SectionAttackScenario = "Attack Scenario"
)

var sectionOrder = []string{SectionSummary, SectionDetail, SectionImpact, SectionAttackScenario}

var titlePattern = regexp.MustCompile(`^#\s+([CHMLQ])-(\d{2,}):\s*(.+)$`)

// header is the machine-owned YAML block of a finding document.
type header struct {
	ID        string           `yaml:"id"`
	Severity  Severity         `yaml:"severity"`
	Category  string           `yaml:"category"`
	Sequence  int              `yaml:"sequence"`
	Slug      string           `yaml:"slug"`
	Status    Status           `yaml:"status"`
	Locations []string         `yaml:"locations,omitempty"`
	Attempts  []Attempt        `yaml:"attempts,omitempty"`
	Overrides []OverrideRecord `yaml:"overrides,omitempty"`
}

// Encode renders f as a frontmatter document. The output depends only on f.
func Encode(f *Finding) ([]byte, error) {
	h := header{
		ID:        f.ID.String(),
		Severity:  f.ID.Severity,
		Category:  f.ID.Category,
		Sequence:  f.ID.Sequence,
		Slug:      f.Slug,
		Status:    f.Status,
		Attempts:  f.Attempts,
		Overrides: f.Overrides,
	}
	for _, loc := range f.Locations {
		h.Locations = append(h.Locations, loc.String())
	}
	return artifact.EncodeFrontMatter(h, RenderBody(f))
}

// RenderBody renders the markdown sections of f.
func RenderBody(f *Finding) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s: %s\n", f.ID.Label(), f.Title)
	sections := map[string]string{
		SectionSummary:        f.Summary,
		SectionDetail:         f.Detail,
		SectionImpact:         f.Impact,
		SectionAttackScenario: f.AttackScenario,
	}
	for _, name := range sectionOrder {
		text := strings.TrimSpace(sections[name])
		if text == "" {
			continue
		}
		fmt.Fprintf(&buf, "\n## %s\n\n%s\n", name, demoteSectionHeadings(text))
	}
	return buf.Bytes()
}

// demoteSectionHeadings turns level-two lines that would parse as a section
// boundary into level-three headings so section text survives a round trip.
func demoteSectionHeadings(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if _, ok := sectionHeading(strings.TrimRight(line, " \t\r")); ok {
			lines[i] = "#" + line
		}
	}
	return strings.Join(lines, "\n")
}

// Decode parses a finding document written by Encode or by hand.
func Decode(content []byte) (*Finding, error) {
	var h header
	body, err := artifact.DecodeFrontMatter(content, &h)
	if err != nil {
		return nil, fmt.Errorf("finding: decode: %w", err)
	}
	doc := ParseBody(body)
	id := ID{Severity: h.Severity, Category: h.Category, Sequence: h.Sequence}
	if h.ID != "" && (h.Category == "" || h.Sequence == 0) {
		parsed, err := ParseID(h.ID)
		if err != nil {
			return nil, err
		}
		id = parsed
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	status := h.Status
	if status == "" {
		status = Unvalidated
	}
	if !status.Valid() {
		return nil, fmt.Errorf("finding: %s has unknown status %q", id, status)
	}
	f := &Finding{
		ID:             id,
		Title:          doc.Title,
		Slug:           h.Slug,
		Summary:        doc.Sections[SectionSummary],
		Detail:         doc.Sections[SectionDetail],
		Impact:         doc.Sections[SectionImpact],
		AttackScenario: doc.Sections[SectionAttackScenario],
		Status:         status,
		Attempts:       h.Attempts,
		Overrides:      h.Overrides,
	}
	for _, raw := range h.Locations {
		loc, err := ParseLocation(raw)
		if err != nil {
			return nil, err
		}
		f.Locations = append(f.Locations, loc)
	}
	if len(f.Locations) == 0 {
		f.Locations = ExtractLocations(f.Detail)
	}
	if f.Slug == "" {
		f.Slug = Slugify(f.Title)
	}
	return f, nil
}

// Body is the parsed markdown portion of a finding document.
type Body struct {
	Title    string
	Prefix   string
	Sequence int
	HasTitle bool
	Sections map[string]string
}

// ParseBody splits a finding body into its title and level-two sections.
// Only the known section headings open a section; any other level-two
// heading stays part of the text around it.
func ParseBody(body []byte) Body {
	doc := Body{Sections: map[string]string{}}
	var current string
	var lines []string
	flush := func() {
		if current != "" {
			doc.Sections[current] = strings.TrimSpace(strings.Join(lines, "\n"))
		}
		lines = nil
	}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if !doc.HasTitle && current == "" {
			if m := titlePattern.FindStringSubmatch(line); m != nil {
				doc.HasTitle = true
				doc.Prefix = m[1]
				doc.Sequence, _ = strconv.Atoi(m[2])
				doc.Title = strings.TrimSpace(m[3])
				continue
			}
		}
		if name, ok := sectionHeading(line); ok {
			flush()
			current = name
			continue
		}
		if current != "" {
			lines = append(lines, line)
		}
	}
	flush()
	return doc
}

func sectionHeading(line string) (string, bool) {
	if !strings.HasPrefix(line, "## ") {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(line, "## "))
	for _, known := range sectionOrder {
		if strings.EqualFold(known, name) {
			return known, true
		}
	}
	return "", false
}
