package engine

import (
	"time"

	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

// EventKind classifies progress events.
type EventKind string

const (
	EventPhase    EventKind = "phase"
	EventProducer EventKind = "producer"
	EventSelect   EventKind = "select"
	EventCategory EventKind = "category"
	EventAttempt  EventKind = "attempt"
	EventOverride EventKind = "override"
	EventReport   EventKind = "report"
	EventFinished EventKind = "finished"
)

// Event is one progress notification. Observers are called synchronously
// from the goroutine doing the work, so they must not block.
type Event struct {
	Kind    EventKind
	Phase   workflow.PhaseState
	Name    string
	Message string
	Err     string
	Count   int
	Attempt *finding.Attempt
	Status  finding.Status
	At      time.Time
}

// Observer receives progress events.
type Observer func(Event)
