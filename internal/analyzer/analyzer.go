// Package analyzer defines the analysis capabilities the pipeline drives:
// project-level recon producers and per-category finding producers, plus the
// rule-driven default implementations and the category registry.
package analyzer

import (
	"context"
	"time"

	"github.com/kingrea/lattice-audit/internal/finding"
)

// ProjectAnalyzer produces one recon artifact from the audited project.
type ProjectAnalyzer interface {
	Name() string
	Key() string
	Run(ctx context.Context, projectRoot string) ([]byte, error)
}

// CategoryAnalyzer produces finding drafts for one registry category from a
// frozen recon snapshot. It must treat the snapshot as read-only.
type CategoryAnalyzer interface {
	Category() string
	Run(ctx context.Context, snapshot Snapshot) ([]finding.Draft, error)
}

// CategoryFunc adapts a function into a CategoryAnalyzer.
type CategoryFunc struct {
	ID string
	Fn func(ctx context.Context, snapshot Snapshot) ([]finding.Draft, error)
}

// Category returns the registry id.
func (c CategoryFunc) Category() string { return c.ID }

// Run calls Fn.
func (c CategoryFunc) Run(ctx context.Context, snapshot Snapshot) ([]finding.Draft, error) {
	return c.Fn(ctx, snapshot)
}

// Snapshot is the frozen recon view handed to every category analyzer.
type Snapshot struct {
	ProjectRoot string
	Docs        []byte
	Code        []byte
	DocIndex    DocIndex
	Inventory   Inventory
	Signals     Signals
	// Missing lists recon artifacts whose producer failed.
	Missing  []string
	FrozenAt time.Time
}

// Degraded reports whether recon context is incomplete.
func (s Snapshot) Degraded() bool {
	return len(s.Missing) > 0
}

// Inventory is the code-structure recon artifact.
type Inventory struct {
	Revision   string       `yaml:"revision,omitempty"`
	TotalLines int          `yaml:"total_lines"`
	Files      []SourceFile `yaml:"files"`
	Signals    Signals      `yaml:"signals,omitempty"`
}

// SourceFile is one scanned project file, relative to the project root.
type SourceFile struct {
	Path    string  `yaml:"path"`
	Lines   int     `yaml:"lines"`
	Signals Signals `yaml:"signals,omitempty"`
}

// DocIndex is the documentation recon artifact.
type DocIndex struct {
	Documents []DocEntry `yaml:"documents"`
	Signals   Signals    `yaml:"signals,omitempty"`
}

// DocEntry summarizes one documentation file.
type DocEntry struct {
	Path     string   `yaml:"path"`
	Title    string   `yaml:"title,omitempty"`
	Headings []string `yaml:"headings,omitempty"`
	Words    int      `yaml:"words"`
}
