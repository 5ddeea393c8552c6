package engine

import (
	"time"

	"github.com/kingrea/lattice-audit/internal/auditor"
	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/recon"
	"github.com/kingrea/lattice-audit/internal/validator"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// EngineStatus enumerates coarse run outcomes.
type EngineStatus string

const (
	EngineStatusRunning   EngineStatus = "running"
	EngineStatusComplete  EngineStatus = "complete"
	EngineStatusCancelled EngineStatus = "cancelled"
	EngineStatusError     EngineStatus = "error"
)

// State captures the persisted snapshot of a run.
type State struct {
	RunID  string              `json:"run_id"`
	Phase  workflow.PhaseState `json:"phase"`
	Status EngineStatus        `json:"status"`
	// StatusReason explains cancelled and error states.
	StatusReason string                `json:"status_reason,omitempty"`
	History      []workflow.Transition `json:"history"`
	Recon        *recon.Result         `json:"recon,omitempty"`
	Missing      []string              `json:"missing_recon,omitempty"`
	Selection    []auditor.Score       `json:"selection,omitempty"`
	Analysis     *auditor.Result       `json:"analysis,omitempty"`
	Validation   *validator.Summary    `json:"validation,omitempty"`
	Overrides    []OverrideResult      `json:"overrides,omitempty"`
	Report       string                `json:"report,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Degraded reports whether the run lost recon or analysis input.
func (s State) Degraded() bool {
	if len(s.Missing) > 0 {
		return true
	}
	return s.Analysis != nil && len(s.Analysis.Failed()) > 0
}

// OverrideResult records one override delivered to the engine.
type OverrideResult struct {
	Finding string         `json:"finding"`
	Status  finding.Status `json:"status"`
	Actor   string         `json:"actor,omitempty"`
	Applied bool           `json:"applied"`
	Error   string         `json:"error,omitempty"`
}

func (s State) clone() State {
	out := s
	out.History = append([]workflow.Transition{}, s.History...)
	out.Missing = append([]string(nil), s.Missing...)
	out.Selection = append([]auditor.Score(nil), s.Selection...)
	out.Overrides = append([]OverrideResult(nil), s.Overrides...)
	return out
}
