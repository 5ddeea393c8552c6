package workflow

import "fmt"

// PhaseState is the single authoritative pipeline position of a run.
type PhaseState string

const (
	PhaseIdle               PhaseState = "idle"
	PhaseReconRunning       PhaseState = "recon-running"
	PhaseReconComplete      PhaseState = "recon-complete"
	PhaseSelecting          PhaseState = "selecting"
	PhaseAnalysisRunning    PhaseState = "analysis-running"
	PhaseAnalysisComplete   PhaseState = "analysis-complete"
	PhaseValidationRunning  PhaseState = "validation-running"
	PhaseValidationComplete PhaseState = "validation-complete"
	PhaseReporting          PhaseState = "reporting"
	PhaseDone               PhaseState = "done"
	PhaseFailed             PhaseState = "failed"
)

// phaseOrder lists the forward path. Failed sits outside the order and can be
// entered from any non-terminal state.
var phaseOrder = []PhaseState{
	PhaseIdle,
	PhaseReconRunning,
	PhaseReconComplete,
	PhaseSelecting,
	PhaseAnalysisRunning,
	PhaseAnalysisComplete,
	PhaseValidationRunning,
	PhaseValidationComplete,
	PhaseReporting,
	PhaseDone,
}

var phaseRank = func() map[PhaseState]int {
	ranks := make(map[PhaseState]int, len(phaseOrder))
	for i, p := range phaseOrder {
		ranks[p] = i
	}
	return ranks
}()

// Phases returns the forward phase order.
func Phases() []PhaseState {
	return append([]PhaseState{}, phaseOrder...)
}

// Valid reports whether p is a known phase.
func (p PhaseState) Valid() bool {
	if p == PhaseFailed {
		return true
	}
	_, ok := phaseRank[p]
	return ok
}

// Rank returns the position of p in the forward order, or -1 for Failed and
// unknown values.
func (p PhaseState) Rank() int {
	if rank, ok := phaseRank[p]; ok {
		return rank
	}
	return -1
}

// Terminal reports whether no further transition may leave p.
func (p PhaseState) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Next returns the single forward successor of p.
func (p PhaseState) Next() (PhaseState, bool) {
	rank, ok := phaseRank[p]
	if !ok || rank+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[rank+1], true
}

// Label returns a short human-readable name.
func (p PhaseState) Label() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseReconRunning:
		return "Recon"
	case PhaseReconComplete:
		return "Recon complete"
	case PhaseSelecting:
		return "Selecting auditors"
	case PhaseAnalysisRunning:
		return "Analysis"
	case PhaseAnalysisComplete:
		return "Analysis complete"
	case PhaseValidationRunning:
		return "Validation"
	case PhaseValidationComplete:
		return "Validation complete"
	case PhaseReporting:
		return "Reporting"
	case PhaseDone:
		return "Done"
	case PhaseFailed:
		return "Failed"
	default:
		return string(p)
	}
}

// ValidateTransition checks the structural legality of from -> to. Guards are
// evaluated separately by the Controller.
func ValidateTransition(from, to PhaseState) error {
	if !from.Valid() {
		return &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown phase %q", from)}
	}
	if !to.Valid() {
		return &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown phase %q", to)}
	}
	if from.Terminal() {
		return &TransitionError{From: from, To: to, Reason: "phase is terminal"}
	}
	if to == PhaseFailed {
		return nil
	}
	next, ok := from.Next()
	if !ok || next != to {
		return &TransitionError{From: from, To: to, Reason: "out of order"}
	}
	return nil
}
