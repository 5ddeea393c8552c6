// Package report merges every finding into a single ordered report artifact.
// Rendering is a pure function of its input: the same finding set always
// produces the same bytes.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/finding"
)

// Input is everything a report is built from.
type Input struct {
	Findings []*finding.Finding
	// Categories are the categories analysis ran, in selection order.
	Categories []string
	// Failed lists categories whose analyzer failed.
	Failed []string
	// MissingRecon lists recon artifacts whose producer failed.
	MissingRecon []string
}

// Degraded reports whether the report was built from incomplete inputs.
func (in Input) Degraded() bool {
	return len(in.MissingRecon) > 0 || len(in.Failed) > 0
}

type header struct {
	Title        string         `yaml:"title"`
	Degraded     bool           `yaml:"degraded"`
	MissingRecon []string       `yaml:"missing_recon,omitempty"`
	Categories   []string       `yaml:"categories,omitempty"`
	Failed       []string       `yaml:"failed_categories,omitempty"`
	Total        int            `yaml:"total"`
	ByStatus     map[string]int `yaml:"by_status"`
	BySeverity   map[string]int `yaml:"by_severity"`
}

// Render builds the report document. Findings are grouped by severity from
// Critical to QA, then by category, then by sequence number. Nothing in the
// output depends on wall-clock time or input order.
func Render(in Input) ([]byte, error) {
	findings := append([]*finding.Finding{}, in.Findings...)
	finding.Sort(findings)

	h := header{
		Title:        "Security Audit Report",
		Degraded:     in.Degraded(),
		MissingRecon: sortedCopy(in.MissingRecon),
		Categories:   append([]string{}, in.Categories...),
		Failed:       sortedCopy(in.Failed),
		Total:        len(findings),
		ByStatus:     map[string]int{},
		BySeverity:   map[string]int{},
	}
	for _, s := range finding.Statuses() {
		h.ByStatus[string(s)] = 0
	}
	for _, s := range finding.Severities() {
		h.BySeverity[string(s)] = 0
	}
	for _, f := range findings {
		h.ByStatus[string(f.Status)]++
		h.BySeverity[string(f.ID.Severity)]++
	}

	var body bytes.Buffer
	body.WriteString("# Security Audit Report\n\n")
	if h.Degraded {
		body.WriteString("> **Degraded run.**")
		if len(h.MissingRecon) > 0 {
			fmt.Fprintf(&body, " Missing recon: %s.", strings.Join(h.MissingRecon, ", "))
		}
		if len(h.Failed) > 0 {
			fmt.Fprintf(&body, " Failed categories: %s.", strings.Join(h.Failed, ", "))
		}
		body.WriteString(" Results may be incomplete.\n\n")
	}
	body.WriteString("## Summary\n\n")
	body.WriteString(summaryTable(findings).RenderMarkdown())
	body.WriteString("\n")

	for _, sev := range finding.Severities() {
		group := bySeverity(findings, sev)
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&body, "\n## %s\n", sev.Label())
		category := ""
		for _, f := range group {
			if f.ID.Category != category {
				category = f.ID.Category
				fmt.Fprintf(&body, "\n### %s\n", category)
			}
			writeFinding(&body, f)
		}
	}
	if len(findings) == 0 {
		body.WriteString("\nNo findings were reported.\n")
	}
	return artifact.EncodeFrontMatter(h, body.Bytes())
}

func writeFinding(buf *bytes.Buffer, f *finding.Finding) {
	fmt.Fprintf(buf, "\n#### %s: %s\n\n", f.ID.Label(), f.Title)
	fmt.Fprintf(buf, "- Status: %s\n", f.Status)
	fmt.Fprintf(buf, "- Attempts: %s\n", attemptSummary(f.Attempts))
	if len(f.Locations) > 0 {
		locs := make([]string, len(f.Locations))
		for i, l := range f.Locations {
			locs[i] = "`" + l.String() + "`"
		}
		fmt.Fprintf(buf, "- Locations: %s\n", strings.Join(locs, ", "))
	}
	for _, o := range f.Overrides {
		line := fmt.Sprintf("- Override: %s -> %s", o.From, o.To)
		if o.Actor != "" {
			line += " by " + o.Actor
		}
		if o.Reason != "" {
			line += " (" + o.Reason + ")"
		}
		buf.WriteString(line + "\n")
	}
	sections := []struct{ title, text string }{
		{finding.SectionSummary, f.Summary},
		{finding.SectionDetail, f.Detail},
		{finding.SectionImpact, f.Impact},
		{finding.SectionAttackScenario, f.AttackScenario},
	}
	for _, s := range sections {
		if strings.TrimSpace(s.text) == "" {
			continue
		}
		fmt.Fprintf(buf, "\n**%s**\n\n%s\n", s.title, strings.TrimSpace(s.text))
	}
}

func attemptSummary(attempts []finding.Attempt) string {
	if len(attempts) == 0 {
		return "0"
	}
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		if a.Kind != "" {
			parts[i] = string(a.Kind)
		} else {
			parts[i] = string(a.Outcome)
		}
	}
	return fmt.Sprintf("%d (%s)", len(attempts), strings.Join(parts, ", "))
}

// summaryTable counts findings per severity and status.
func summaryTable(findings []*finding.Finding) table.Writer {
	statuses := finding.Statuses()
	w := table.NewWriter()
	head := table.Row{"Severity"}
	for _, s := range statuses {
		head = append(head, string(s))
	}
	w.AppendHeader(append(head, "total"))
	totals := make([]int, len(statuses)+1)
	for _, sev := range finding.Severities() {
		row := table.Row{sev.Label()}
		group := bySeverity(findings, sev)
		for i, s := range statuses {
			n := countStatus(group, s)
			totals[i] += n
			row = append(row, n)
		}
		totals[len(statuses)] += len(group)
		w.AppendRow(append(row, len(group)))
	}
	foot := table.Row{"Total"}
	for _, n := range totals {
		foot = append(foot, n)
	}
	w.AppendFooter(foot)
	return w
}

func bySeverity(findings []*finding.Finding, sev finding.Severity) []*finding.Finding {
	var out []*finding.Finding
	for _, f := range findings {
		if f.ID.Severity == sev {
			out = append(out, f)
		}
	}
	return out
}

func countStatus(findings []*finding.Finding, status finding.Status) int {
	n := 0
	for _, f := range findings {
		if f.Status == status {
			n++
		}
	}
	return n
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string{}, values...)
	sort.Strings(out)
	return out
}
