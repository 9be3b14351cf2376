// Package freeze implements the freeze/melt state machine.
package freeze

import (
	"sync"
	"time"
)

// State is one of the four freeze states.
type State int

const (
	// Melted is the normal operating state: the pipeline runs freely.
	Melted State = iota
	// Frozen holds the pipeline quiesced indefinitely until an explicit melt.
	Frozen
	// FrozenTimeo holds the pipeline quiesced with a scheduled auto-melt.
	FrozenTimeo
	// FrozenDeep is an internal hold used during attach/detach; external
	// freeze/melt calls are rejected while in this state.
	FrozenDeep
)

func (s State) String() string {
	switch s {
	case Melted:
		return "MELTED"
	case Frozen:
		return "FROZEN"
	case FrozenTimeo:
		return "FROZEN_TIMEO"
	case FrozenDeep:
		return "FROZEN_DEEP"
	default:
		return "UNKNOWN"
	}
}

// Hooks are called as the controller transitions between states, so the
// pipeline/checkpointer can quiesce or resume without the controller
// knowing about either directly.
type Hooks struct {
	// OnFreeze is called once when transitioning out of Melted: it must
	// stop the admit stage and let in-flight packs drain to permanent_lsid,
	// and pause the checkpointer.
	OnFreeze func()
	// OnMelt is called once when transitioning back to Melted: it resumes
	// admit and the checkpointer.
	OnMelt func()
}

// Controller drives the freeze/melt state machine for one device.
type Controller struct {
	mu    sync.Mutex
	state State
	hooks Hooks
	timer *time.Timer
}

// New returns a Controller starting in Melted.
func New(hooks Hooks) *Controller {
	return &Controller{state: Melted, hooks: hooks}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsFrozen reports whether the controller is in any frozen state.
func (c *Controller) IsFrozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Melted
}

// Freeze transitions Melted -> Frozen (timeout == 0) or Melted ->
// FrozenTimeo (timeout > 0, scheduling an automatic melt after timeout).
// Re-entering freeze while already Frozen or FrozenTimeo is idempotent and
// refreshes the timeout. Freeze is rejected while FrozenDeep.
func (c *Controller) Freeze(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == FrozenDeep {
		return ErrFrozenDeep
	}

	wasMelted := c.state == Melted
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if timeout <= 0 {
		c.state = Frozen
	} else {
		c.state = FrozenTimeo
		c.timer = time.AfterFunc(timeout, c.autoMelt)
	}

	if wasMelted && c.hooks.OnFreeze != nil {
		c.hooks.OnFreeze()
	}
	return nil
}

// Melt transitions Frozen or FrozenTimeo back to Melted, cancelling any
// pending auto-melt timer. It is a no-op if already Melted, and rejected
// while FrozenDeep.
func (c *Controller) Melt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meltLocked()
}

func (c *Controller) meltLocked() error {
	if c.state == FrozenDeep {
		return ErrFrozenDeep
	}
	if c.state == Melted {
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = Melted
	if c.hooks.OnMelt != nil {
		c.hooks.OnMelt()
	}
	return nil
}

func (c *Controller) autoMelt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != FrozenTimeo {
		return // superseded by an explicit Melt or a refreshed Freeze
	}
	_ = c.meltLocked()
}

// EnterDeep transitions to FrozenDeep for the duration of attach/detach,
// regardless of the current state.
func (c *Controller) EnterDeep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = FrozenDeep
}

// ExitDeep transitions from FrozenDeep back to Melted.
func (c *Controller) ExitDeep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != FrozenDeep {
		return
	}
	c.state = Melted
	if c.hooks.OnMelt != nil {
		c.hooks.OnMelt()
	}
}

// ErrFrozenDeep is returned when freeze/melt is attempted during FrozenDeep.
var ErrFrozenDeep = stateError("operation rejected while FROZEN_DEEP")

type stateError string

func (e stateError) Error() string { return string(e) }
