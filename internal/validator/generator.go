package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/template"

	"github.com/kingrea/lattice-audit/internal/finding"
)

// CandidateName returns the file-safe candidate name for an attempt.
func CandidateName(id finding.ID, attempt int) string {
	category := strings.ReplaceAll(id.Category, "-", "_")
	return fmt.Sprintf("%s_%s_%02d_a%d", category, id.Severity.Prefix(), id.Sequence, attempt)
}

// CommandGenerator asks an external program for candidate source. The finding
// document is written to stdin; the previous diagnostic, if any, is passed in
// LATTICE_AUDIT_FEEDBACK. Stdout is the candidate.
type CommandGenerator struct {
	Command CommandSpec
	Dir     string
}

// Generate runs the generator command.
func (g *CommandGenerator) Generate(ctx context.Context, f *finding.Finding, previous []finding.Attempt) (Candidate, error) {
	if len(g.Command) == 0 {
		return Candidate{}, &ToolError{Kind: finding.SetupError, Err: errors.New("no generator command configured")}
	}
	doc, err := finding.Encode(f)
	if err != nil {
		return Candidate{}, err
	}
	attempt := len(previous) + 1
	name := CandidateName(f.ID, attempt)
	argv := g.Command.expand(map[string]string{
		"id":      f.ID.String(),
		"name":    name,
		"attempt": strconv.Itoa(attempt),
	})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = g.Dir
	cmd.Stdin = bytes.NewReader(doc)
	cmd.Env = append(os.Environ(), "LATTICE_AUDIT_FEEDBACK="+feedback(previous))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Candidate{}, ctx.Err()
		}
		return Candidate{}, &ToolError{Kind: finding.SetupError, Output: strings.TrimSpace(stderr.String()), Err: err}
	}
	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return Candidate{}, &ToolError{Kind: finding.SetupError, Err: errors.New("generator produced no source")}
	}
	return Candidate{Name: name, Source: stdout.Bytes()}, nil
}

// DefaultHarnessTemplate renders the attack scenario as an annotated harness
// skeleton. Projects replace it with a template for their own test framework.
const DefaultHarnessTemplate = `// {{ .Label }}: {{ .Finding.Title }}
// finding: {{ .Finding.ID }}
// attempt: {{ .Attempt }}
{{- range .Locations }}
// target: {{ . }}
{{- end }}
{{- if .Feedback }}
//
// previous attempt failed:
{{- range .FeedbackLines }}
//   {{ . }}
{{- end }}
{{- end }}
//
// scenario:
{{- range .ScenarioLines }}
//   {{ . }}
{{- end }}
`

// ScenarioGenerator renders a text/template over the finding's attack
// scenario. It is deterministic for a given finding and attempt history.
type ScenarioGenerator struct {
	tmpl *template.Template
}

// NewScenarioGenerator parses text; an empty text uses DefaultHarnessTemplate.
func NewScenarioGenerator(text string) (*ScenarioGenerator, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultHarnessTemplate
	}
	tmpl, err := template.New("harness").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("validator: parse harness template: %w", err)
	}
	return &ScenarioGenerator{tmpl: tmpl}, nil
}

type harnessData struct {
	Finding       *finding.Finding
	Label         string
	Name          string
	Attempt       int
	Locations     []string
	Feedback      string
	FeedbackLines []string
	ScenarioLines []string
}

// Generate renders the template.
func (g *ScenarioGenerator) Generate(ctx context.Context, f *finding.Finding, previous []finding.Attempt) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	attempt := len(previous) + 1
	data := harnessData{
		Finding:       f,
		Label:         f.ID.Label(),
		Name:          CandidateName(f.ID, attempt),
		Attempt:       attempt,
		Feedback:      feedback(previous),
		ScenarioLines: strings.Split(strings.TrimSpace(f.AttackScenario), "\n"),
	}
	for _, loc := range f.Locations {
		data.Locations = append(data.Locations, loc.String())
	}
	if data.Feedback != "" {
		data.FeedbackLines = strings.Split(data.Feedback, "\n")
	}
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return Candidate{}, &ToolError{Kind: finding.SetupError, Err: err}
	}
	return Candidate{Name: data.Name, Source: buf.Bytes()}, nil
}

func feedback(previous []finding.Attempt) string {
	if len(previous) == 0 {
		return ""
	}
	last := previous[len(previous)-1]
	return strings.TrimSpace(fmt.Sprintf("%s at %s: %s", last.Kind, last.Stage, last.Diagnostic))
}
