package engine

import (
	"encoding/json"
	"errors"

	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// ErrStateNotFound is returned when no persisted engine state exists yet.
var ErrStateNotFound = errors.New("workflow engine: state not found")

// StateStore persists engine state snapshots.
type StateStore interface {
	Load() (State, error)
	Save(State) error
}

// Repository stores engine state as meta/state.json in the workspace store.
type Repository struct {
	writer *artifact.Writer
}

// NewRepository creates a repository over the workspace store.
func NewRepository(store *artifact.Store) *Repository {
	return &Repository{writer: store.Writer("engine", artifact.NamespaceMeta)}
}

// Load reads the persisted state if present.
func (r *Repository) Load() (State, error) {
	data, err := r.writer.Get(artifact.NamespaceMeta, workflow.FileState)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return State{}, ErrStateNotFound
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Save replaces the persisted state atomically.
func (r *Repository) Save(state State) error {
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return r.writer.Put(artifact.NamespaceMeta, workflow.FileState, append(encoded, '\n'))
}
