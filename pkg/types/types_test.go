package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTickerMid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tk   Ticker
		want string
	}{
		{"both sides", Ticker{Bid: d("100.5"), Ask: d("101.5")}, "101"},
		{"odd spread keeps precision", Ticker{Bid: d("0.1"), Ask: d("0.2")}, "0.15"},
		{"missing bid", Ticker{Ask: d("101")}, "0"},
		{"missing ask", Ticker{Bid: d("100")}, "0"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tt.tk.Mid().Equal(d(tt.want)), "Mid() = %s, want %s", tt.tk.Mid(), tt.want)
		})
	}
}

func TestOrderRemainingAndBalanceTotal(t *testing.T) {
	t.Parallel()

	o := Order{Amount: d("1.5"), Filled: d("0.25")}
	assert.True(t, o.Remaining().Equal(d("1.25")))

	b := Balance{Free: d("0.1"), Locked: d("0.2")}
	assert.True(t, b.Total().Equal(d("0.3")), "decimal sums must be exact, got %s", b.Total())
}

func TestSideValid(t *testing.T) {
	t.Parallel()
	assert.True(t, BUY.Valid())
	assert.True(t, SELL.Valid())
	assert.False(t, Side("hold").Valid())
}

func TestOrderRequestJSONUsesDecimalStrings(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(OrderRequest{
		Pair: "btc_jpy", Side: BUY, Type: OrderTypeLimit,
		Price: d("6543210.5"), Amount: d("0.0001"),
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"pair":"btc_jpy","side":"buy","type":"limit","price":"6543210.5","amount":"0.0001"}`,
		string(body))
}
