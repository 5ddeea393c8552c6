package recon

import (
	"errors"

	"github.com/kingrea/lattice-audit/internal/analyzer"
	"github.com/kingrea/lattice-audit/internal/artifact"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// LoadSnapshot reads the frozen recon namespace into an analyzer snapshot.
// Artifacts that are absent or unreadable are listed in Snapshot.Missing.
func LoadSnapshot(store *artifact.Store, projectRoot string) (analyzer.Snapshot, error) {
	snap := analyzer.Snapshot{ProjectRoot: projectRoot}
	if at, ok := store.FrozenAt(artifact.NamespaceRecon); ok {
		snap.FrozenAt = at
	}
	docs, err := readRecon(store, workflow.FileDocFindings, &snap.DocIndex)
	if err != nil {
		return snap, err
	}
	if docs == nil {
		snap.Missing = append(snap.Missing, workflow.FileDocFindings)
	}
	code, err := readRecon(store, workflow.FileCodeFindings, &snap.Inventory)
	if err != nil {
		return snap, err
	}
	if code == nil {
		snap.Missing = append(snap.Missing, workflow.FileCodeFindings)
	}
	snap.Docs = docs
	snap.Code = code
	snap.Signals = snap.DocIndex.Signals.Merge(snap.Inventory.Signals)
	return snap, nil
}

func readRecon(store *artifact.Store, key string, into any) ([]byte, error) {
	content, err := store.Get(artifact.NamespaceRecon, key)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := artifact.DecodeFrontMatter(content, into); err != nil {
		return nil, nil
	}
	return content, nil
}
