package playbook

import (
	"sort"
	"time"
)

// Clock holds the two advisory clocks of an incident. It is advanced by ticks
// rather than read from the wall, so elapsed values are exact multiples of the
// tick interval and survive snapshot/restore.
type Clock struct {
	instanceElapsed time.Duration
	stepElapsed     time.Duration
	paused          bool
	escalated       map[int]bool
}

// ClockState is the serializable form of a Clock.
type ClockState struct {
	InstanceElapsed time.Duration `json:"instance_elapsed"`
	StepElapsed     time.Duration `json:"step_elapsed"`
	Paused          bool          `json:"paused"`
	EscalatedSteps  []int         `json:"escalated_steps,omitempty"`
}

func newClock() *Clock {
	return &Clock{escalated: make(map[int]bool)}
}

func clockFromState(s ClockState) *Clock {
	c := newClock()
	c.instanceElapsed = s.InstanceElapsed
	c.stepElapsed = s.StepElapsed
	c.paused = s.Paused
	for _, step := range s.EscalatedSteps {
		c.escalated[step] = true
	}
	return c
}

func (c *Clock) state() ClockState {
	steps := make([]int, 0, len(c.escalated))
	for step := range c.escalated {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return ClockState{
		InstanceElapsed: c.instanceElapsed,
		StepElapsed:     c.stepElapsed,
		Paused:          c.paused,
		EscalatedSteps:  steps,
	}
}

// advance moves both clocks forward by d. Paused clocks drop the tick.
func (c *Clock) advance(d time.Duration) bool {
	if c.paused || d <= 0 {
		return false
	}
	c.instanceElapsed += d
	c.stepElapsed += d
	return true
}

func (c *Clock) resetStep() {
	c.stepElapsed = 0
}

// rearm lets step escalate again on its next threshold crossing.
func (c *Clock) rearm(step int) {
	delete(c.escalated, step)
}

// pause and resume return false when the call is a no-op.
func (c *Clock) pause() bool {
	if c.paused {
		return false
	}
	c.paused = true
	return true
}

func (c *Clock) resume() bool {
	if !c.paused {
		return false
	}
	c.paused = false
	return true
}

// shouldEscalate reports whether the step crossed its threshold and has not
// yet been escalated since it was last entered. It marks the step so the
// signal fires once per crossing.
func (c *Clock) shouldEscalate(step int, threshold time.Duration) bool {
	if threshold <= 0 || c.escalated[step] || c.stepElapsed < threshold {
		return false
	}
	c.escalated[step] = true
	return true
}
