package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/finding"
)

// KeySuffix terminates every report key.
const KeySuffix = "-report"

const keyLayout = "20060102T150405.000Z"

// Key names the report written at t. Keys sort in time order at millisecond
// resolution.
func Key(t time.Time) string {
	return t.UTC().Format(keyLayout) + KeySuffix
}

// Aggregator reads the finding set and writes the report artifact.
type Aggregator struct {
	store  *artifact.Store
	repo   *finding.Repository
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock injects the clock used to name reports.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewAggregator builds an aggregator over the workspace store.
func NewAggregator(store *artifact.Store, repo *finding.Repository, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, repo: repo, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result describes a written report.
type Result struct {
	Key      string
	Content  []byte
	Findings []*finding.Finding
}

// Run renders every finding in the workspace and stores the report under
// reports/<timestamp>-report. Only the key depends on the clock; a key taken
// by an earlier report moves forward a millisecond at a time.
func (a *Aggregator) Run(in Input) (Result, error) {
	findings, err := a.repo.All()
	if err != nil {
		return Result{}, fmt.Errorf("report: read findings: %w", err)
	}
	in.Findings = findings
	content, err := Render(in)
	if err != nil {
		return Result{}, fmt.Errorf("report: render: %w", err)
	}
	at := a.now().UTC().Truncate(time.Millisecond)
	key := Key(at)
	for a.store.Has(artifact.NamespaceReports, key) {
		at = at.Add(time.Millisecond)
		key = Key(at)
	}
	w := a.store.Writer("reporter", artifact.NamespaceReports)
	if err := w.Put(artifact.NamespaceReports, key, content); err != nil {
		return Result{}, fmt.Errorf("report: write: %w", err)
	}
	a.logger.Info("report written",
		zap.String("key", key),
		zap.Int("findings", len(findings)),
		zap.Bool("degraded", in.Degraded()),
	)
	return Result{Key: key, Content: content, Findings: findings}, nil
}

// Latest returns the key of the most recent report, or artifact.ErrNotFound.
func Latest(store *artifact.Store) (string, error) {
	keys, err := store.List(artifact.NamespaceReports)
	if err != nil {
		return "", err
	}
	var reports []string
	for _, k := range keys {
		if strings.HasSuffix(k, KeySuffix) {
			reports = append(reports, k)
		}
	}
	if len(reports) == 0 {
		return "", fmt.Errorf("%w: no reports", artifact.ErrNotFound)
	}
	sort.Strings(reports)
	return reports[len(reports)-1], nil
}

var statusStyles = map[finding.Status]lipgloss.Style{
	finding.Validated:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true),
	finding.NeedsReview: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
	finding.Invalidated: lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C")),
	finding.Unvalidated: lipgloss.NewStyle().Foreground(lipgloss.Color("#87AFFF")),
}

// Table renders a terminal listing of findings, one row each.
func Table(findings []*finding.Finding) string {
	sorted := append([]*finding.Finding{}, findings...)
	finding.Sort(sorted)
	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	w.AppendHeader(table.Row{"ID", "Category", "Title", "Status", "Attempts"})
	for _, f := range sorted {
		status := string(f.Status)
		if style, ok := statusStyles[f.Status]; ok {
			status = style.Render(status)
		}
		w.AppendRow(table.Row{f.ID.Label(), f.ID.Category, f.Title, status, f.AttemptCount()})
	}
	w.AppendFooter(table.Row{"", "", "Total", "", len(sorted)})
	w.SetColumnConfigs([]table.ColumnConfig{{Number: 3, WidthMax: 60}})
	return w.Render()
}
