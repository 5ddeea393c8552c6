package finding

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotOverridable is returned for overrides on findings validation has not
// settled yet.
var ErrNotOverridable = errors.New("finding: finding cannot be overridden")

// Override is a manual status decision delivered outside the validator.
type Override struct {
	ID     ID
	Status Status
	Reason string
	Actor  string
}

// OverrideRecord is the persisted trace of an applied override.
type OverrideRecord struct {
	From   Status    `yaml:"from"`
	To     Status    `yaml:"to"`
	Reason string    `yaml:"reason,omitempty"`
	Actor  string    `yaml:"actor,omitempty"`
	At     time.Time `yaml:"at"`
}

// ApplyOverride changes the status of a settled finding. It never touches
// the attempt history.
func (f *Finding) ApplyOverride(o Override, at time.Time) error {
	if o.ID != f.ID {
		return fmt.Errorf("finding: override for %s applied to %s", o.ID, f.ID)
	}
	if !f.Status.Settled() {
		return fmt.Errorf("%w: %s is %s", ErrNotOverridable, f.ID, f.Status)
	}
	if !o.Status.Settled() {
		return fmt.Errorf("%w: cannot override to %q", ErrNotOverridable, o.Status)
	}
	if strings.TrimSpace(o.Reason) == "" {
		return fmt.Errorf("finding: override for %s needs a reason", f.ID)
	}
	f.Overrides = append(f.Overrides, OverrideRecord{
		From:   f.Status,
		To:     o.Status,
		Reason: strings.TrimSpace(o.Reason),
		Actor:  strings.TrimSpace(o.Actor),
		At:     at.UTC(),
	})
	f.Status = o.Status
	return nil
}
