package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/lattice-audit/internal/workflow"
)

const tempPrefix = ".tmp-"

// Store manages artifact IO rooted at the audit workspace. File writes are
// not serialized; the mutex only guards freeze bookkeeping and the journal.
type Store struct {
	workspace *workflow.Workspace
	now       func() time.Time

	mu      sync.Mutex
	frozen  map[Namespace]time.Time
	journal []WriteRecord
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for write timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore builds a store for a workspace.
func NewStore(ws *workflow.Workspace, opts ...StoreOption) *Store {
	store := &Store{
		workspace: ws,
		now:       time.Now,
		frozen:    map[Namespace]time.Time{},
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Workspace returns the layout the store writes into.
func (s *Store) Workspace() *workflow.Workspace {
	return s.workspace
}

// Path resolves the on-disk location of key in ns.
func (s *Store) Path(ns Namespace, key string) string {
	return filepath.Join(s.dir(ns), key)
}

func (s *Store) dir(ns Namespace) string {
	return filepath.Join(append([]string{s.workspace.Root()}, ns.Segments()...)...)
}

// Put replaces the content stored at (ns, key). The write is atomic: readers
// observe either the previous content or the new content.
func (s *Store) Put(ns Namespace, key string, content []byte) error {
	if !ns.Writable() {
		return fmt.Errorf("%w: %q is not a leaf namespace", ErrInvalidNamespace, ns)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if at, ok := s.frozenAt(ns); ok {
		return fmt.Errorf("%w: %s since %s", ErrFrozen, ns, at.Format(time.RFC3339))
	}
	dir := s.dir(ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: put %s/%s: %w", ns, key, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+key+"-*")
	if err != nil {
		return fmt.Errorf("artifact: put %s/%s: %w", ns, key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: put %s/%s: %w", ns, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: put %s/%s: %w", ns, key, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("artifact: put %s/%s: %w", ns, key, err)
	}
	at := s.now().UTC()
	if err := os.Chtimes(tmpName, at, at); err != nil {
		return fmt.Errorf("artifact: put %s/%s: %w", ns, key, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, key)); err != nil {
		return fmt.Errorf("artifact: put %s/%s: %w", ns, key, err)
	}
	s.mu.Lock()
	s.journal = append(s.journal, WriteRecord{Namespace: ns, Key: key, At: at})
	s.mu.Unlock()
	return nil
}

// Get returns the content stored at (ns, key) or ErrNotFound.
func (s *Store) Get(ns Namespace, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(ns, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return nil, fmt.Errorf("artifact: get %s/%s: %w", ns, key, err)
	}
	return data, nil
}

// Read returns the artifact with its owning phase and last-write timestamp.
func (s *Store) Read(ns Namespace, key string) (Artifact, error) {
	data, err := s.Get(ns, key)
	if err != nil {
		return Artifact{}, err
	}
	path := s.Path(ns, key)
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact: stat %s/%s: %w", ns, key, err)
	}
	return Artifact{
		Namespace: ns,
		Key:       key,
		Path:      path,
		Phase:     ns.OwnerPhase(),
		Content:   data,
		WrittenAt: info.ModTime().UTC(),
	}, nil
}

// List returns the keys in ns in lexical order. A missing namespace lists as
// empty.
func (s *Store) List(ns Namespace) ([]string, error) {
	entries, err := os.ReadDir(s.dir(ns))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list %s: %w", ns, err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || validateKey(entry.Name()) != nil {
			continue
		}
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether ns has been created in the workspace.
func (s *Store) Exists(ns Namespace) bool {
	info, err := os.Stat(s.dir(ns))
	return err == nil && info.IsDir()
}

// Has reports whether key exists in ns.
func (s *Store) Has(ns Namespace, key string) bool {
	if validateKey(key) != nil {
		return false
	}
	info, err := os.Stat(s.Path(ns, key))
	return err == nil && info.Mode().IsRegular()
}

// Namespaces returns every existing writable namespace beneath root in
// lexical order.
func (s *Store) Namespaces(root Namespace) ([]Namespace, error) {
	base := s.dir(root)
	var out []Namespace
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == base {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.workspace.Root(), path)
		if err != nil {
			return err
		}
		ns := Namespace(filepath.ToSlash(rel))
		if ns.Writable() {
			out = append(out, ns)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: namespaces under %s: %w", root, err)
	}
	return out, nil
}

// Freeze rejects every later write to ns and the namespaces beneath it.
// Freezing twice keeps the first timestamp.
func (s *Store) Freeze(ns Namespace) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.frozen[ns]; ok {
		return at
	}
	at := s.now().UTC()
	s.frozen[ns] = at
	return at
}

// Thaw lifts every freeze and starts an empty write journal. A new run calls
// it after clearing the previous run's artifacts.
func (s *Store) Thaw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = map[Namespace]time.Time{}
	s.journal = nil
}

// FrozenAt returns when ns, or a namespace containing it, was frozen.
func (s *Store) FrozenAt(ns Namespace) (time.Time, bool) {
	return s.frozenAt(ns)
}

func (s *Store) frozenAt(ns Namespace) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for frozen, at := range s.frozen {
		if frozen.Contains(ns) {
			return at, true
		}
	}
	return time.Time{}, false
}

// Journal returns every accepted write in acceptance order.
func (s *Store) Journal() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WriteRecord{}, s.journal...)
}

// Writer returns a writer that may only put into the given namespaces and
// the namespaces beneath them.
func (s *Store) Writer(owner string, allowed ...Namespace) *Writer {
	return &Writer{store: s, owner: owner, allowed: append([]Namespace{}, allowed...)}
}

// Writer is a Store handle scoped to the namespaces one producer owns.
type Writer struct {
	store   *Store
	owner   string
	allowed []Namespace
}

// Allows reports whether the writer may put into ns.
func (w *Writer) Allows(ns Namespace) bool {
	for _, a := range w.allowed {
		if a.Contains(ns) {
			return true
		}
	}
	return false
}

// Put writes through to the store when ns is owned by the writer.
func (w *Writer) Put(ns Namespace, key string, content []byte) error {
	if !w.Allows(ns) {
		return fmt.Errorf("%w: %s may not write %s", ErrNamespaceOwner, w.owner, ns)
	}
	return w.store.Put(ns, key, content)
}

// Get reads through to the store.
func (w *Writer) Get(ns Namespace, key string) ([]byte, error) {
	return w.store.Get(ns, key)
}

// List reads through to the store.
func (w *Writer) List(ns Namespace) ([]string, error) {
	return w.store.List(ns)
}
