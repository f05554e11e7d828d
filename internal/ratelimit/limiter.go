// Package ratelimit paces outbound exchange calls so that a process, however
// many goroutines it runs, stays inside the provider's published quotas.
//
// Quotas are modelled as rate groups. Each group owns one or two GCRA windows
// (for example 5 req/s and 100 req/min at the same time) and a single mutex.
// Callers gate every request with Acquire, which either admits immediately,
// sleeps for exactly the computed delay, or gives up once the caller's budget
// cannot be met. When the server still answers 429, OnThrottled pushes the
// group's schedule past the server's Retry-After hint.
//
// Groups are independent: exhausting one never delays another. There is no
// waiter queue, so admission order within a group is best-effort.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// Jitter bounds added to every positive wait so that callers who raced to
// the same slot boundary do not wake together and collide again.
const (
	minJitter = 5 * time.Millisecond
	maxJitter = 20 * time.Millisecond
)

// Gate is what API clients depend on. *Limiter implements it, as does Nop.
type Gate interface {
	// Acquire blocks until target may be sent. maxWait <= 0 means no budget.
	Acquire(ctx context.Context, target Target, maxWait time.Duration) error
	// OnThrottled reports a server-side rate-limit rejection for target.
	OnThrottled(target Target, retryAfter time.Duration)
}

// EventType labels limiter events delivered to an observer.
type EventType string

const (
	EventThrottled EventType = "throttled"
	EventTimeout   EventType = "timeout"
)

// Event describes a throttle feedback or an acquire timeout.
type Event struct {
	Type   EventType     `json:"type"`
	Group  string        `json:"group"`
	Target string        `json:"target"`
	Delay  time.Duration `json:"delay_ns"` // forced advance, or the wait that exceeded the budget
	At     time.Time     `json:"at"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithJitter replaces the random 5-20ms jitter source.
func WithJitter(fn func() time.Duration) Option {
	return func(l *Limiter) { l.jitter = fn }
}

// WithMetrics records acquire and throttle activity.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithObserver delivers throttle and timeout events to fn. fn runs on the
// caller's goroutine, outside any group lock, and must not block.
func WithObserver(fn func(Event)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// Limiter is the in-process admission controller. Construct one per process
// and pass it to every client that talks to the exchange.
type Limiter struct {
	registry *registry
	jitter   func() time.Duration
	now      func() time.Time
	metrics  *Metrics
	observe  func(Event)
	logger   *slog.Logger
}

// New validates groups and builds a limiter. Every window starts with its
// theoretical arrival time at the current instant.
func New(groups []GroupConfig, logger *slog.Logger, opts ...Option) (*Limiter, error) {
	if err := ValidateGroups(groups); err != nil {
		return nil, err
	}

	now := time.Now()
	built := make([]*Group, 0, len(groups))
	for _, cfg := range groups {
		built = append(built, newGroup(cfg, now))
	}

	l := &Limiter{
		registry: newRegistry(built),
		jitter:   randomJitter,
		now:      time.Now,
		logger:   logger.With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// ValidateGroups reports the first configuration problem in groups: none at
// all, a duplicate name, a bad window or a bad match rule.
func ValidateGroups(groups []GroupConfig) error {
	if len(groups) == 0 {
		return ErrConfig.New("at least one rate group is required")
	}
	seen := make(map[string]bool, len(groups))
	for _, cfg := range groups {
		if err := cfg.validate(); err != nil {
			return err
		}
		if seen[cfg.Name] {
			return ErrConfig.New("duplicate group name %q", cfg.Name)
		}
		seen[cfg.Name] = true
	}
	return nil
}

func randomJitter() time.Duration {
	return minJitter + rand.N(maxJitter-minJitter+1)
}

// Register checks that every target routes to a group. Clients call it at
// construction with every endpoint they will use, so a routing gap fails
// start-up instead of a live request.
func (l *Limiter) Register(targets ...Target) error {
	var unrouted []string
	for _, t := range targets {
		if _, err := l.registry.resolve(t); err != nil {
			unrouted = append(unrouted, t.String())
		}
	}
	if len(unrouted) > 0 {
		return ErrConfig.New("no rate group covers %s", strings.Join(unrouted, ", "))
	}
	return nil
}

// Resolve returns the name of the group that covers target.
func (l *Limiter) Resolve(target Target) (string, error) {
	g, err := l.registry.resolve(target)
	if err != nil {
		return "", err
	}
	return g.name, nil
}

// Acquire blocks until target is admitted by its group, maxWait is known to
// be insufficient, or ctx is done. A rejected or abandoned call consumes no
// quota. The group lock is held only for the arithmetic, never while sleeping.
func (l *Limiter) Acquire(ctx context.Context, target Target, maxWait time.Duration) error {
	g, err := l.registry.resolve(target)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire %s: %w", target, err)
	}

	start := l.now()
	var deadline time.Time
	if maxWait > 0 {
		deadline = start.Add(maxWait)
	}

	for {
		d := g.evaluate(l.now)
		now := d.At
		if d.Allowed {
			waited := now.Sub(start)
			l.metrics.observeAcquire(g.name, outcomeAdmitted, waited.Seconds())
			if waited > 0 {
				l.logger.Debug("admitted after wait", "group", g.name, "target", target.String(), "waited", waited)
			}
			return nil
		}

		sleep := d.Wait + l.jitter()
		if maxWait > 0 {
			remaining := deadline.Sub(now)
			// tat never moves backwards, so a wait past the deadline cannot shrink in time.
			if d.Wait > remaining {
				l.metrics.observeAcquire(g.name, outcomeTimeout, 0)
				l.emit(Event{Type: EventTimeout, Group: g.name, Target: target.String(), Delay: d.Wait, At: now})
				l.logger.Warn("acquire timed out", "group", g.name, "target", target.String(),
					"wait", d.Wait, "max_wait", maxWait)
				return &TimeoutError{Group: g.name, Target: target, MaxWait: maxWait, Wait: d.Wait}
			}
			sleep = min(sleep, remaining)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.metrics.observeAcquire(g.name, outcomeCanceled, 0)
			return fmt.Errorf("acquire %s: %w", target, ctx.Err())
		case <-timer.C:
			// re-check: another caller or a throttle signal may have moved the schedule
		}
	}
}

// OnThrottled moves every window of target's group at least retryAfter (plus
// jitter) into the future. The server's accounting wins over the local model.
// retryAfter <= 0 falls back to the group's slowest emission interval.
// It never fails; a target outside every group is logged and ignored.
func (l *Limiter) OnThrottled(target Target, retryAfter time.Duration) {
	g, err := l.registry.resolve(target)
	if err != nil {
		l.logger.Error("throttle signal for unrouted target", "target", target.String(), "error", err)
		return
	}
	if retryAfter <= 0 {
		retryAfter = g.slowestEmission()
	}
	delay := retryAfter + l.jitter()

	now := g.forceAdvance(l.now, delay)

	l.metrics.observeThrottle(g.name)
	l.emit(Event{Type: EventThrottled, Group: g.name, Target: target.String(), Delay: delay, At: now})
	l.logger.Warn("server throttled request, backing off group",
		"group", g.name, "target", target.String(), "retry_after", retryAfter, "delay", delay)
}

// Snapshot reports every group's state in configuration order.
func (l *Limiter) Snapshot() []GroupStatus {
	now := l.now()
	out := make([]GroupStatus, 0, len(l.registry.groups))
	for _, g := range l.registry.groups {
		out = append(out, g.status(now))
	}
	return out
}

func (l *Limiter) emit(evt Event) {
	if l.observe != nil {
		l.observe(evt)
	}
}

// Nop returns a Gate that admits everything immediately and ignores
// throttle signals. Useful for tests and dry runs.
func Nop() Gate { return nopGate{} }

type nopGate struct{}

func (nopGate) Acquire(ctx context.Context, _ Target, _ time.Duration) error { return ctx.Err() }
func (nopGate) OnThrottled(Target, time.Duration)                            {}
