package api

import (
	"time"

	"exchange-gate/internal/ratelimit"
)

// Stream event types.
const (
	EventSnapshot = "snapshot"
	EventLimiter  = "limiter"
)

// StatusEvent is the wrapper for all events sent to stream subscribers.
type StatusEvent struct {
	Type      string    `json:"type"`      // "snapshot" or "limiter"
	Timestamp time.Time `json:"timestamp"` // Event time
	Data      any       `json:"data"`      // LimitsSnapshot or LimiterEvent
}

// LimiterEvent reports a throttle correction or an acquire timeout.
type LimiterEvent struct {
	Kind    string `json:"kind"` // "throttled" or "timeout"
	Group   string `json:"group"`
	Target  string `json:"target"`
	DelayMS int64  `json:"delay_ms"`
}

// NewLimiterEvent wraps a limiter observation for the stream.
func NewLimiterEvent(evt ratelimit.Event) StatusEvent {
	return StatusEvent{
		Type:      EventLimiter,
		Timestamp: evt.At,
		Data: LimiterEvent{
			Kind:    string(evt.Type),
			Group:   evt.Group,
			Target:  evt.Target,
			DelayMS: evt.Delay.Milliseconds(),
		},
	}
}
