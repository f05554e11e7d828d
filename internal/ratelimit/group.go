package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Window is one rate constraint: Rate requests per Period, with up to Burst
// of them admitted back-to-back before pacing kicks in.
type Window struct {
	Rate   float64       `json:"rate"`
	Period time.Duration `json:"period"`
	Burst  int           `json:"burst"`
}

// PerSecond is shorthand for a strict (burst 1) window of n requests per second.
func PerSecond(n float64) Window {
	return Window{Rate: n, Period: time.Second, Burst: 1}
}

// PerMinute is shorthand for a strict window of n requests per minute.
func PerMinute(n float64) Window {
	return Window{Rate: n, Period: time.Minute, Burst: 1}
}

func (w Window) emission() time.Duration {
	return time.Duration(float64(w.Period) / w.Rate)
}

func (w Window) burst() int {
	if w.Burst < 1 {
		return 1
	}
	return w.Burst
}

func (w Window) validate() error {
	switch {
	case w.Rate <= 0:
		return fmt.Errorf("rate must be > 0, got %v", w.Rate)
	case w.Period <= 0:
		return fmt.Errorf("period must be > 0, got %v", w.Period)
	case w.Burst < 0:
		return fmt.Errorf("burst must be >= 0, got %d", w.Burst)
	case float64(w.Period)/w.Rate >= math.MaxInt64:
		return fmt.Errorf("rate %v per %v is too slow to represent", w.Rate, w.Period)
	case w.emission() <= 0:
		return fmt.Errorf("rate %v per %v is finer than the clock resolution", w.Rate, w.Period)
	case int64(w.burst()-1) > math.MaxInt64/int64(w.emission()):
		return fmt.Errorf("burst %d at %v per request overflows the burst tolerance", w.Burst, w.emission())
	}
	return nil
}

func (w Window) String() string {
	return fmt.Sprintf("%g/%s burst %d", w.Rate, w.Period, w.burst())
}

// GroupConfig describes one named quota and which targets it covers.
type GroupConfig struct {
	Name    string
	Windows []Window
	Match   MatchRule
}

func (c GroupConfig) validate() error {
	if c.Name == "" {
		return ErrConfig.New("group name is required")
	}
	if n := len(c.Windows); n < 1 || n > 2 {
		return ErrConfig.New("group %q: want 1 or 2 windows, got %d", c.Name, n)
	}
	for i, w := range c.Windows {
		if err := w.validate(); err != nil {
			return ErrConfig.New("group %q window %d: %v", c.Name, i, err)
		}
	}
	if err := c.Match.validate(); err != nil {
		return ErrConfig.New("group %q: %v", c.Name, err)
	}
	return nil
}

// Group is a quota backed by one or two GCRA windows. A request is admitted
// only when every window admits it, and then every window is charged. mu is
// the group's single lock; it is never held while a caller sleeps.
type Group struct {
	name    string
	windows []Window
	match   MatchRule

	mu          sync.Mutex
	controllers []*controller
	admitted    uint64
	throttled   uint64
}

func newGroup(cfg GroupConfig, now time.Time) *Group {
	g := &Group{
		name:        cfg.Name,
		windows:     append([]Window(nil), cfg.Windows...),
		match:       cfg.Match,
		controllers: make([]*controller, len(cfg.Windows)),
	}
	for i, w := range cfg.Windows {
		g.controllers[i] = newController(w, now)
	}
	return g
}

// waitLocked is the largest wait any window imposes at now. Caller holds g.mu.
func (g *Group) waitLocked(now time.Time) time.Duration {
	var wait time.Duration
	for _, c := range g.controllers {
		if w := c.peek(now); w > wait {
			wait = w
		}
	}
	return wait
}

// reserve peeks every window and commits all of them only if none blocks.
// The returned wait is the largest of the window waits. Caller holds g.mu.
func (g *Group) reserve(now time.Time) time.Duration {
	if wait := g.waitLocked(now); wait > 0 {
		return wait
	}
	for _, c := range g.controllers {
		c.commit(now)
	}
	g.admitted++
	return 0
}

// evaluate is the locked form of reserve. The clock is read after the lock
// is taken, so a caller that queued on g.mu never commits a stale instant.
func (g *Group) evaluate(clock func() time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := clock()
	if wait := g.reserve(now); wait > 0 {
		return Decision{Wait: wait, At: now}
	}
	return Decision{Allowed: true, At: now}
}

// forceAdvance pushes every window by at least by and returns the instant
// it was applied at.
func (g *Group) forceAdvance(clock func() time.Time, by time.Duration) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := clock()
	for _, c := range g.controllers {
		c.forceAdvance(now, by)
	}
	g.throttled++
	return now
}

// slowestEmission is the largest emission interval across the windows.
func (g *Group) slowestEmission() time.Duration {
	var d time.Duration
	for _, c := range g.controllers {
		if c.emission > d {
			d = c.emission
		}
	}
	return d
}

// GroupStatus is a point-in-time view of a group, safe to serialize.
type GroupStatus struct {
	Name      string        `json:"name"`
	Windows   []Window      `json:"windows"`
	Wait      time.Duration `json:"wait_ns"`
	Admitted  uint64        `json:"admitted"`
	Throttled uint64        `json:"throttled"`
}

func (g *Group) status(now time.Time) GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GroupStatus{
		Name:      g.name,
		Windows:   append([]Window(nil), g.windows...),
		Wait:      g.waitLocked(now),
		Admitted:  g.admitted,
		Throttled: g.throttled,
	}
}
