// internal/workflow/workflow.go
//
// Defines the audit workspace directory structure and file constants.
// All run artifacts live under a single workspace root so a finished audit
// can be inspected, re-reported, or committed alongside the project.

package workflow

import (
	"os"
	"path/filepath"
)

// Namespace roots within the workspace.
const (
	ReconDir    = "recon"
	FindingsDir = "findings"
	ReportsDir  = "reports"
	MetaDir     = "meta"
)

// Recon artifact keys (in <root>/recon/).
const (
	FileDocFindings  = "doc-findings"
	FileCodeFindings = "code-findings"
)

// Bookkeeping files (in <root>/meta/).
const (
	FileState      = "state.json"
	FileLogbook    = "logbook.log"
	FileMetrics    = "metrics.prom"
	FileConfig     = "config.yaml"
	LogsDir        = "logs"
	ValidationDir  = "validation"
	DefaultRootDir = ".lattice-audit"
)

// Workspace resolves paths inside an audit workspace.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{root: filepath.Clean(dir)}
}

// Root returns the workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// ReconDir returns <root>/recon.
func (w *Workspace) ReconDir() string {
	return filepath.Join(w.root, ReconDir)
}

// FindingsDir returns <root>/findings.
func (w *Workspace) FindingsDir() string {
	return filepath.Join(w.root, FindingsDir)
}

// ReportsDir returns <root>/reports.
func (w *Workspace) ReportsDir() string {
	return filepath.Join(w.root, ReportsDir)
}

// MetaDir returns <root>/meta.
func (w *Workspace) MetaDir() string {
	return filepath.Join(w.root, MetaDir)
}

// LogbookPath returns the run journal path.
func (w *Workspace) LogbookPath() string {
	return filepath.Join(w.MetaDir(), FileLogbook)
}

// LogsDir returns the structured log directory.
func (w *Workspace) LogsDir() string {
	return filepath.Join(w.MetaDir(), LogsDir)
}

// ValidationDir holds full build/execute transcripts per finding attempt.
func (w *Workspace) ValidationDir() string {
	return filepath.Join(w.MetaDir(), ValidationDir)
}

// ConfigPath returns the workspace configuration file path.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.root, FileConfig)
}

// Initialize creates the workspace directory structure.
func (w *Workspace) Initialize() error {
	dirs := []string{
		w.root,
		w.ReconDir(),
		w.FindingsDir(),
		w.ReportsDir(),
		w.MetaDir(),
		w.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ClearRun removes the artifacts of a previous pipeline run. Reports, logs
// and configuration are kept.
func (w *Workspace) ClearRun() error {
	for _, dir := range []string{w.ReconDir(), w.FindingsDir(), w.ValidationDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return w.Initialize()
}

// Reset removes the per-run namespaces while keeping configuration.
func (w *Workspace) Reset() error {
	for _, dir := range []string{w.ReconDir(), w.FindingsDir(), w.ReportsDir(), w.MetaDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}
