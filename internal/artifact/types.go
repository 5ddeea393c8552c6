// Package artifact implements the workspace store: durable, phase-scoped
// documents grouped into namespaces. Each namespace has exactly one producing
// phase, and ownership is partitioned so concurrent producers never share a
// directory.

package artifact

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/kingrea/lattice-audit/internal/workflow"
)

var (
	// ErrNotFound is returned when a key does not exist in a namespace.
	ErrNotFound = errors.New("artifact: not found")
	// ErrFrozen is returned for writes into a namespace whose producing phase
	// has already passed its completion barrier.
	ErrFrozen = errors.New("artifact: namespace is frozen")
	// ErrInvalidNamespace is returned for namespaces outside the workspace layout.
	ErrInvalidNamespace = errors.New("artifact: invalid namespace")
	// ErrInvalidKey is returned for keys that would escape their namespace.
	ErrInvalidKey = errors.New("artifact: invalid key")
	// ErrNamespaceOwner is returned when a scoped writer targets a namespace
	// it was not assigned.
	ErrNamespaceOwner = errors.New("artifact: namespace not owned by writer")
)

// Namespace identifies a directory of artifacts owned by a single producer.
type Namespace string

const (
	NamespaceRecon    Namespace = workflow.ReconDir
	NamespaceFindings Namespace = workflow.FindingsDir
	NamespaceReports  Namespace = workflow.ReportsDir
	NamespaceMeta     Namespace = workflow.MetaDir
)

var segmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// FindingsNamespace returns findings/<severity>/<category>.
func FindingsNamespace(severity, category string) Namespace {
	return Namespace(path.Join(workflow.FindingsDir, severity, category))
}

// Root returns the first path segment of the namespace.
func (ns Namespace) Root() Namespace {
	root, _, _ := strings.Cut(string(ns), "/")
	return Namespace(root)
}

// Segments splits the namespace into its path segments.
func (ns Namespace) Segments() []string {
	return strings.Split(string(ns), "/")
}

// Contains reports whether other equals ns or lives beneath it.
func (ns Namespace) Contains(other Namespace) bool {
	return other == ns || strings.HasPrefix(string(other), string(ns)+"/")
}

// Validate ensures the namespace maps onto the workspace layout.
func (ns Namespace) Validate() error {
	segments := ns.Segments()
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
		}
	}
	switch Namespace(segments[0]) {
	case NamespaceRecon, NamespaceReports:
		if len(segments) != 1 {
			return fmt.Errorf("%w: %q has no sub-namespaces", ErrInvalidNamespace, ns)
		}
	case NamespaceMeta:
		return nil
	case NamespaceFindings:
		if len(segments) > 3 {
			return fmt.Errorf("%w: %q is deeper than findings/<severity>/<category>", ErrInvalidNamespace, ns)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}

// Writable reports whether ns is a leaf that may hold artifacts.
func (ns Namespace) Writable() bool {
	if ns.Validate() != nil {
		return false
	}
	if ns.Root() == NamespaceFindings {
		return len(ns.Segments()) == 3
	}
	return true
}

// OwnerPhase returns the phase that produces artifacts in ns. Meta is
// bookkeeping and has no owning phase.
func (ns Namespace) OwnerPhase() workflow.PhaseState {
	switch ns.Root() {
	case NamespaceRecon:
		return workflow.PhaseReconRunning
	case NamespaceFindings:
		return workflow.PhaseAnalysisRunning
	case NamespaceReports:
		return workflow.PhaseReporting
	default:
		return ""
	}
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || trimmed != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasPrefix(key, tempPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Artifact is a named, phase-scoped document.
type Artifact struct {
	Namespace Namespace
	Key       string
	Path      string
	Phase     workflow.PhaseState
	Content   []byte
	WrittenAt time.Time
}

// WriteRecord journals one accepted write.
type WriteRecord struct {
	Namespace Namespace `json:"namespace"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
}
