// Package control provides a small adaptive-threshold controller.
//
// Components that batch work against a latency or saturation signal share
// the same feedback shape: shrink multiplicatively when overloaded, grow
// when there is slack, clamp to a sane range. Controller captures that law
// in one place so it can be tested in isolation from any I/O.
//
// A Controller has a single owner and is not safe for concurrent use; the
// owning component invokes it once per flush or poll cycle.
package control

// Controller is an adaptive threshold bounded to [min, max].
type Controller struct {
	value int
	min   int
	max   int
}

// New creates a controller with the given initial value and bounds.
// The initial value is clamped into [min, max].
func New(initial, min, max int) *Controller {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	c := &Controller{value: initial, min: min, max: max}
	c.clamp()
	return c
}

// Value returns the current threshold.
func (c *Controller) Value() int {
	return c.value
}

// Halve shrinks the threshold multiplicatively (shed load).
func (c *Controller) Halve() {
	c.value /= 2
	c.clamp()
}

// Double grows the threshold multiplicatively (poll saturation).
func (c *Controller) Double() {
	// Guard against overflow before clamping
	if c.value > c.max/2 {
		c.value = c.max
	} else {
		c.value *= 2
	}
	c.clamp()
}

// Grow raises the threshold additively by delta (slack under budget).
// Negative deltas are ignored.
func (c *Controller) Grow(delta int) {
	if delta <= 0 {
		return
	}
	if c.value > c.max-delta {
		c.value = c.max
	} else {
		c.value += delta
	}
	c.clamp()
}

// Min returns the lower bound.
func (c *Controller) Min() int {
	return c.min
}

// Max returns the upper bound.
func (c *Controller) Max() int {
	return c.max
}

func (c *Controller) clamp() {
	if c.value < c.min {
		c.value = c.min
	}
	if c.value > c.max {
		c.value = c.max
	}
}
