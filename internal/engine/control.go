package engine

import "sync/atomic"

// State is the tri-state run control observed cooperatively by the run
// loop between items and by the retry controller between ticks.
type State int32

const (
	StateRunning State = iota
	StatePaused
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	default:
		return "running"
	}
}

// Controller carries pause/cancel requests from the driving caller into
// a run. Safe for concurrent use. Cancel wins over Pause.
type Controller struct {
	state atomic.Int32
}

// NewController returns a Controller in the running state.
func NewController() *Controller {
	return &Controller{}
}

// State returns the current requested state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Pause requests a clean stop after the current item. Ignored once
// cancelled.
func (c *Controller) Pause() {
	c.state.CompareAndSwap(int32(StateRunning), int32(StatePaused))
}

// Cancel requests an immediate cooperative stop, discarding partial
// progress for the current item.
func (c *Controller) Cancel() {
	c.state.Store(int32(StateCancelled))
}

// Resume clears a pause request. No effect once cancelled.
func (c *Controller) Resume() {
	c.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
}
