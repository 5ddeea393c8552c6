package finding

import (
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/lattice-audit/internal/artifact"
)

// Putter is the write side of the workspace store. Both *artifact.Store and
// scoped *artifact.Writer satisfy it.
type Putter interface {
	Put(ns artifact.Namespace, key string, content []byte) error
}

// Namespace returns the store namespace holding findings with id.
func Namespace(id ID) artifact.Namespace {
	return artifact.FindingsNamespace(string(id.Severity), id.Category)
}

// CategoryNamespaces returns every namespace a category may write to.
func CategoryNamespaces(category string) []artifact.Namespace {
	out := make([]artifact.Namespace, 0, len(severities))
	for _, sev := range severities {
		out = append(out, artifact.FindingsNamespace(string(sev), category))
	}
	return out
}

// Repository reads and writes findings in the workspace store.
type Repository struct {
	store  *artifact.Store
	format FormatValidator
	now    func() time.Time
}

// RepositoryOption customizes a Repository.
type RepositoryOption func(*Repository)

// WithFormatValidator replaces the default document format gate.
func WithFormatValidator(v FormatValidator) RepositoryOption {
	return func(r *Repository) {
		if v != nil {
			r.format = v
		}
	}
}

// WithRepositoryClock injects the clock used for override records.
func WithRepositoryClock(clock func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewRepository builds a finding repository over store.
func NewRepository(store *artifact.Store, opts ...RepositoryOption) *Repository {
	r := &Repository{store: store, format: DocumentFormat{}, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create ingests a new finding through the format gate and writes it with w.
// A document whose only problem is a missing attack scenario is written as
// NeedsReview; any other violation blocks the write with a *FormatError.
func (r *Repository) Create(w Putter, f *Finding) error {
	if err := f.ID.Validate(); err != nil {
		return err
	}
	if w == nil {
		w = r.store
	}
	content, err := Encode(f)
	if err != nil {
		return err
	}
	violations := r.format.Validate(content)
	if blocking := Blocking(violations); len(blocking) > 0 {
		return &FormatError{Key: f.Key(), Violations: blocking}
	}
	if MissingAttackScenario(violations) && f.Status == Unvalidated {
		f.Status = NeedsReview
		if content, err = Encode(f); err != nil {
			return err
		}
	}
	return w.Put(Namespace(f.ID), f.Key(), content)
}

// Save rewrites an existing finding. Blocking format violations still reject
// the write.
func (r *Repository) Save(f *Finding) error {
	content, err := Encode(f)
	if err != nil {
		return err
	}
	if blocking := Blocking(r.format.Validate(content)); len(blocking) > 0 {
		return &FormatError{Key: f.Key(), Violations: blocking}
	}
	return r.store.Put(Namespace(f.ID), f.Key(), content)
}

// Load reads the finding with id.
func (r *Repository) Load(id ID) (*Finding, error) {
	ns := Namespace(id)
	keys, err := r.store.List(ns)
	if err != nil {
		return nil, err
	}
	prefix := id.Label() + "-"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		content, err := r.store.Get(ns, key)
		if err != nil {
			return nil, err
		}
		return Decode(content)
	}
	return nil, fmt.Errorf("%w: finding %s", artifact.ErrNotFound, id)
}

// All reads every finding in the workspace in deterministic order.
func (r *Repository) All() ([]*Finding, error) {
	namespaces, err := r.store.Namespaces(artifact.NamespaceFindings)
	if err != nil {
		return nil, err
	}
	var out []*Finding
	for _, ns := range namespaces {
		keys, err := r.store.List(ns)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			content, err := r.store.Get(ns, key)
			if err != nil {
				return nil, err
			}
			f, err := Decode(content)
			if err != nil {
				return nil, fmt.Errorf("finding: %s/%s: %w", ns, key, err)
			}
			out = append(out, f)
		}
	}
	Sort(out)
	return out, nil
}

// ApplyOverride loads the target finding, applies o and saves it.
func (r *Repository) ApplyOverride(o Override) (*Finding, error) {
	f, err := r.Load(o.ID)
	if err != nil {
		return nil, err
	}
	if err := f.ApplyOverride(o, r.now()); err != nil {
		return nil, err
	}
	if err := r.Save(f); err != nil {
		return nil, err
	}
	return f, nil
}
