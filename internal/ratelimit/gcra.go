package ratelimit

import (
	"time"
)

// Decision is the outcome of evaluating one request against a quota.
// Wait is zero when Allowed is true. At is the instant the decision was
// taken; groups read it under their lock.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	At      time.Time
}

// controller implements the Generic Cell Rate Algorithm for one window.
//
// The only mutable state is tat, the theoretical arrival time of the next
// request. A request arriving at now is admissible when now >= tat - tolerance.
// Admission moves tat forward by one emission interval; rejection leaves it
// untouched, so a caller that gives up while waiting has consumed nothing.
type controller struct {
	emission  time.Duration // T: steady-state spacing (period / rate)
	tolerance time.Duration // τ: T * (burst - 1)
	tat       time.Time     // theoretical arrival time
}

func newController(w Window, now time.Time) *controller {
	emission := w.emission()
	return &controller{
		emission:  emission,
		tolerance: emission * time.Duration(w.burst()-1),
		tat:       now,
	}
}

// peek reports how long a request arriving at now would have to wait.
// Zero means admissible. It never mutates the controller.
func (c *controller) peek(now time.Time) time.Duration {
	if !c.tat.After(now) {
		return 0
	}
	allowedAt := c.tat.Add(-c.tolerance)
	if !now.Before(allowedAt) {
		return 0
	}
	return allowedAt.Sub(now)
}

// commit consumes one slot. Callers must have seen peek return zero for the
// same now, under the same lock.
func (c *controller) commit(now time.Time) {
	if c.tat.Before(now) {
		c.tat = now
	}
	c.tat = c.tat.Add(c.emission)
}

// evaluate is peek followed by commit on admission.
func (c *controller) evaluate(now time.Time) Decision {
	if wait := c.peek(now); wait > 0 {
		return Decision{Wait: wait, At: now}
	}
	c.commit(now)
	return Decision{Allowed: true, At: now}
}

// forceAdvance moves tat forward by at least by, regardless of local
// accounting. The burst tolerance is folded in as well so that the next
// admission is no earlier than now+by even for burst windows; after a
// server-side rejection the window resumes at steady pace with no burst credit.
func (c *controller) forceAdvance(now time.Time, by time.Duration) {
	if c.tat.Before(now) {
		c.tat = now
	}
	c.tat = c.tat.Add(by + c.tolerance)
}
