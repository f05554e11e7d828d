package ratelimit

import "time"

// Canonical group names.
const (
	GroupCancelAll    = "rest_cancel_all"
	GroupPrivateOrder = "rest_private_order"
	GroupPrivate      = "rest_private"
	GroupPublic       = "rest_public"
	GroupWebSocket    = "websocket"
)

// DefaultGroups returns the exchange's published quotas. Order matters: the
// bulk-cancel endpoint sits under /v1/orders and must be matched before the
// broader order rules.
//
//   - rest_cancel_all:    1 request / 2s         DELETE /v1/orders/all
//   - rest_private_order: 8 / s                  POST, DELETE /v1/orders[/*]
//   - rest_private:       30 / s                 /v1/private/**, other /v1/orders/**
//   - rest_public:        10 / s                 GET /v1/public/**
//   - websocket:          5 / s AND 100 / min    connect, subscribe, unsubscribe
func DefaultGroups() []GroupConfig {
	return []GroupConfig{
		{
			Name:    GroupCancelAll,
			Windows: []Window{{Rate: 1, Period: 2 * time.Second, Burst: 1}},
			Match: MatchRule{
				Channel: ChannelREST,
				Methods: []string{"DELETE"},
				Paths:   []string{"/v1/orders/all"},
			},
		},
		{
			Name:    GroupPrivateOrder,
			Windows: []Window{PerSecond(8)},
			Match: MatchRule{
				Channel: ChannelREST,
				Methods: []string{"POST", "DELETE"},
				Paths:   []string{"/v1/orders", "/v1/orders/*"},
			},
		},
		{
			Name:    GroupPrivate,
			Windows: []Window{PerSecond(30)},
			Match: MatchRule{
				Channel: ChannelREST,
				Paths:   []string{"/v1/private/**", "/v1/orders/**"},
			},
		},
		{
			Name:    GroupPublic,
			Windows: []Window{PerSecond(10)},
			Match: MatchRule{
				Channel: ChannelREST,
				Methods: []string{"GET"},
				Paths:   []string{"/v1/public/**"},
			},
		},
		{
			Name:    GroupWebSocket,
			Windows: []Window{PerSecond(5), PerMinute(100)},
			Match: MatchRule{
				Channel: ChannelWebSocket,
				Paths:   []string{"connect", "subscribe", "unsubscribe"},
			},
		},
	}
}
