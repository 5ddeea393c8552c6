package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition marks an ordering-invariant violation. It is fatal to a
// run and must never be retried.
var ErrInvalidTransition = errors.New("workflow: invalid transition")

// TransitionError describes why a transition was refused.
type TransitionError struct {
	From   PhaseState
	To     PhaseState
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow: invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Guard reports why a phase may not be entered yet. A nil return means the
// guard is satisfied.
type Guard func() error

// Transition records a single accepted phase change.
type Transition struct {
	From   PhaseState `json:"from"`
	To     PhaseState `json:"to"`
	At     time.Time  `json:"at"`
	Reason string     `json:"reason,omitempty"`
}

// Listener observes accepted transitions.
type Listener func(Transition)

// Controller is the phase state machine for one pipeline run. It is the only
// component allowed to move the run between phases.
type Controller struct {
	mu        sync.Mutex
	current   PhaseState
	guards    map[PhaseState][]Guard
	history   []Transition
	listeners []Listener
	clock     func() time.Time
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithControllerClock injects a deterministic clock.
func WithControllerClock(clock func() time.Time) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithListener registers a transition listener.
func WithListener(l Listener) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// NewController returns a controller in the Idle phase.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		current: PhaseIdle,
		guards:  map[PhaseState][]Guard{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddGuard registers a guard that must pass before entering phase to.
func (c *Controller) AddGuard(to PhaseState, guard Guard) {
	if guard == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guards[to] = append(c.guards[to], guard)
}

// CurrentPhase returns the authoritative phase.
func (c *Controller) CurrentPhase() PhaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CanEnter reports whether next is the legal successor and all of its guards
// pass.
func (c *Controller) CanEnter(next PhaseState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked(next) == nil
}

// Transition moves the run to next or returns a *TransitionError.
func (c *Controller) Transition(next PhaseState) error {
	c.mu.Lock()
	if err := c.checkLocked(next); err != nil {
		c.mu.Unlock()
		return err
	}
	record := c.applyLocked(next, "")
	listeners := append([]Listener{}, c.listeners...)
	c.mu.Unlock()
	notify(listeners, record)
	return nil
}

// Fail moves the run into the terminal Failed phase.
func (c *Controller) Fail(reason string) error {
	c.mu.Lock()
	if err := ValidateTransition(c.current, PhaseFailed); err != nil {
		c.mu.Unlock()
		return err
	}
	record := c.applyLocked(PhaseFailed, reason)
	listeners := append([]Listener{}, c.listeners...)
	c.mu.Unlock()
	notify(listeners, record)
	return nil
}

// History returns every accepted transition in order.
func (c *Controller) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition{}, c.history...)
}

// EnteredAt returns when phase p was entered, if it has been.
func (c *Controller) EnteredAt(p PhaseState) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.history {
		if t.To == p {
			return t.At, true
		}
	}
	return time.Time{}, false
}

func (c *Controller) checkLocked(next PhaseState) error {
	if err := ValidateTransition(c.current, next); err != nil {
		return err
	}
	for _, guard := range c.guards[next] {
		if err := guard(); err != nil {
			return &TransitionError{From: c.current, To: next, Reason: err.Error()}
		}
	}
	return nil
}

func (c *Controller) applyLocked(next PhaseState, reason string) Transition {
	record := Transition{From: c.current, To: next, At: c.clock().UTC(), Reason: reason}
	c.current = next
	c.history = append(c.history, record)
	return record
}

func notify(listeners []Listener, t Transition) {
	for _, l := range listeners {
		l(t)
	}
}
