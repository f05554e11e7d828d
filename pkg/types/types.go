// Package types defines the wire vocabulary shared by the exchange REST and
// WebSocket clients: orders, tickers, balances and stream messages. Prices
// and amounts are decimal.Decimal so they round-trip exactly as strings.
// It has no dependencies on internal packages.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	BUY  Side = "buy"
	SELL Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == BUY || s == SELL
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"  // rests on the book at Price
	OrderTypeMarket OrderType = "market" // fills immediately, Price ignored
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker is the top-of-book summary returned by GET /v1/public/ticker.
type Ticker struct {
	Pair      string          `json:"pair"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns (bid + ask) / 2, or zero when either side is missing.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// Balance is one asset line of GET /v1/private/balances.
type Balance struct {
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the body of POST /v1/orders.
type OrderRequest struct {
	Pair     string          `json:"pair"`
	Side     Side            `json:"side"`
	Type     OrderType       `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	PostOnly bool            `json:"post_only,omitempty"` // reject instead of crossing the book
}

// Order is a resting or completed order as reported by the exchange.
type Order struct {
	ID        string          `json:"id"`
	Pair      string          `json:"pair"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Status    string          `json:"status"` // "open", "filled", "canceled"
	CreatedAt time.Time       `json:"created_at"`
}

// Remaining returns the unfilled amount.
func (o Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// CancelResponse is returned by DELETE /v1/orders/{id} and /v1/orders/all.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}

// ErrorResponse is the JSON body the exchange sends with non-2xx statuses.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket
// ————————————————————————————————————————————————————————————————————————

// WSRequest is sent to subscribe or unsubscribe from channels.
type WSRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSTickerEvent is a streamed ticker update for one pair.
type WSTickerEvent struct {
	Channel string `json:"channel"`
	Ticker  Ticker `json:"data"`
}
