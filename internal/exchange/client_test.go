package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-gate/internal/config"
	"exchange-gate/internal/ratelimit"
	"exchange-gate/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type throttle struct {
	target     ratelimit.Target
	retryAfter time.Duration
}

// fakeGate records every call and optionally fails Acquire.
type fakeGate struct {
	mu         sync.Mutex
	acquired   []ratelimit.Target
	throttled  []throttle
	acquireErr error
}

func (g *fakeGate) Acquire(ctx context.Context, target ratelimit.Target, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquireErr != nil {
		return g.acquireErr
	}
	g.acquired = append(g.acquired, target)
	return ctx.Err()
}

func (g *fakeGate) OnThrottled(target ratelimit.Target, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.throttled = append(g.throttled, throttle{target, retryAfter})
}

func (g *fakeGate) acquires() []ratelimit.Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ratelimit.Target(nil), g.acquired...)
}

func (g *fakeGate) throttles() []throttle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]throttle(nil), g.throttled...)
}

func testConfig(baseURL string) config.Config {
	return config.Config{API: config.APIConfig{
		RESTBaseURL: baseURL,
		Timeout:     5 * time.Second,
		MaxRetries:  2,
	}}
}

func newTestClient(t *testing.T, srv *httptest.Server, gate ratelimit.Gate) *Client {
	t.Helper()
	c, err := NewClient(testConfig(srv.URL), NewAuth("key", "secret"), gate, testLogger())
	require.NoError(t, err)
	c.retryWait = time.Millisecond
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tickerHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.Ticker{
		Pair: r.URL.Query().Get("pair"),
		Bid:  decimal.RequireFromString("100"),
		Ask:  decimal.RequireFromString("102"),
	})
}

func TestGetTickerAcquiresBeforeSending(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathTicker, r.URL.Path)
		assert.Empty(t, r.Header.Get(headerSignature), "public endpoint must not be signed")
		tickerHandler(w, r)
	}))
	defer srv.Close()

	gate := &fakeGate{}
	c := newTestClient(t, srv, gate)

	tk, err := c.GetTicker(context.Background(), "btc_jpy")
	require.NoError(t, err)
	assert.Equal(t, "btc_jpy", tk.Pair)
	assert.True(t, tk.Mid().Equal(decimal.NewFromInt(101)))
	assert.Equal(t, []ratelimit.Target{ratelimit.REST("GET", pathTicker)}, gate.acquires())
}

func TestRetriesAfter429AndReportsRetryAfter(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			writeJSON(w, http.StatusTooManyRequests, types.ErrorResponse{Code: 429, Message: "slow down"})
			return
		}
		tickerHandler(w, r)
	}))
	defer srv.Close()

	gate := &fakeGate{}
	c := newTestClient(t, srv, gate)

	_, err := c.GetTicker(context.Background(), "btc_jpy")
	require.NoError(t, err)

	assert.EqualValues(t, 2, hits.Load())
	assert.Len(t, gate.acquires(), 2, "every attempt must acquire")
	assert.Equal(t, []throttle{{ratelimit.REST("GET", pathTicker), 2 * time.Second}}, gate.throttles())
}

func TestThrottledErrorAfterMaxRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gate := &fakeGate{}
	c := newTestClient(t, srv, gate)

	_, err := c.GetTicker(context.Background(), "btc_jpy")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThrottled)

	var te *ThrottledError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Len(t, gate.throttles(), 3)
	for _, th := range gate.throttles() {
		assert.Zero(t, th.retryAfter, "missing Retry-After reported as 0")
	}
}

func TestRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		tickerHandler(w, r)
	}))
	defer srv.Close()

	gate := &fakeGate{}
	c := newTestClient(t, srv, gate)

	_, err := c.GetTicker(context.Background(), "btc_jpy")
	require.NoError(t, err)
	assert.Len(t, gate.acquires(), 3)
	assert.Empty(t, gate.throttles(), "5xx is not a throttle signal")
}

func TestClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Code: 1001, Message: "insufficient funds"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeGate{})
	_, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Pair: "btc_jpy", Side: types.BUY, Type: types.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString("0.1"),
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, 1001, apiErr.Code)
	assert.Equal(t, "insufficient funds", apiErr.Message)
	assert.EqualValues(t, 1, hits.Load())
}

func TestAcquireFailureSendsNothing(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	timeout := &ratelimit.TimeoutError{Group: "rest_public", MaxWait: time.Second, Wait: 2 * time.Second}
	c := newTestClient(t, srv, &fakeGate{acquireErr: timeout})

	_, err := c.GetTicker(context.Background(), "btc_jpy")
	assert.ErrorIs(t, err, ratelimit.ErrAcquireTimeout)
	assert.Zero(t, hits.Load())
}

func TestPrivateEndpointsAreSigned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get(headerAPIKey))
		assert.NotEmpty(t, r.Header.Get(headerTimestamp))
		assert.NotEmpty(t, r.Header.Get(headerSignature))

		switch r.URL.Path {
		case pathBalances:
			writeJSON(w, http.StatusOK, []types.Balance{{Asset: "jpy", Free: decimal.NewFromInt(1000)}})
		case pathCancelAll:
			writeJSON(w, http.StatusOK, types.CancelResponse{Canceled: []string{"a", "b"}})
		case orderPath("abc"):
			assert.Equal(t, http.MethodDelete, r.Method)
			writeJSON(w, http.StatusOK, types.CancelResponse{Canceled: []string{"abc"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	gate := &fakeGate{}
	c := newTestClient(t, srv, gate)
	ctx := context.Background()

	balances, err := c.GetBalances(ctx)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "jpy", balances[0].Asset)

	resp, err := c.CancelOrder(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, resp.Canceled)

	resp, err = c.CancelAll(ctx)
	require.NoError(t, err)
	assert.Len(t, resp.Canceled, 2)

	assert.Equal(t, []ratelimit.Target{
		ratelimit.REST("GET", pathBalances),
		ratelimit.REST("DELETE", "/v1/orders/abc"),
		ratelimit.REST("DELETE", pathCancelAll),
	}, gate.acquires())
}

func TestPrivateEndpointWithoutCredentials(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{}
	c, err := NewClient(testConfig("http://127.0.0.1:0"), NewAuth("", ""), gate, testLogger())
	require.NoError(t, err)

	_, err = c.GetBalances(context.Background())
	assert.ErrorContains(t, err, "no api credentials")
	assert.Empty(t, gate.acquires(), "no quota spent on a request that cannot be sent")
}

func TestThrottleFeedsRealLimiter(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		tickerHandler(w, r)
	}))
	defer srv.Close()

	limiter, err := ratelimit.New(ratelimit.DefaultGroups(), testLogger(),
		ratelimit.WithJitter(func() time.Duration { return 0 }))
	require.NoError(t, err)
	c := newTestClient(t, srv, limiter)

	start := time.Now()
	_, err = c.GetTicker(context.Background(), "btc_jpy")
	require.NoError(t, err)

	// No Retry-After: the public group's 100ms interval is the fallback.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	for _, st := range limiter.Snapshot() {
		if st.Name == ratelimit.GroupPublic {
			assert.EqualValues(t, 1, st.Throttled)
			assert.EqualValues(t, 2, st.Admitted)
		}
	}
}

func TestNewClientRejectsUncoveredEndpoints(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimit.New([]ratelimit.GroupConfig{{
		Name:    "public_only",
		Windows: []ratelimit.Window{ratelimit.PerSecond(10)},
		Match:   ratelimit.MatchRule{Channel: ratelimit.ChannelREST, Paths: []string{"/v1/public/**"}},
	}}, testLogger())
	require.NoError(t, err)

	_, err = NewClient(testConfig("http://localhost"), NewAuth("k", "s"), limiter, testLogger())
	require.Error(t, err)
	assert.True(t, ratelimit.ErrConfig.Has(err), "want a configuration error, got %v", err)
	assert.ErrorContains(t, err, "DELETE /v1/orders/all")
}

func TestDefaultGroupsCoverClient(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimit.New(ratelimit.DefaultGroups(), testLogger())
	require.NoError(t, err)

	want := map[string]string{
		"GET /v1/public/ticker":    ratelimit.GroupPublic,
		"GET /v1/private/balances": ratelimit.GroupPrivate,
		"GET /v1/orders/open":      ratelimit.GroupPrivate,
		"POST /v1/orders":          ratelimit.GroupPrivateOrder,
		"DELETE /v1/orders/{id}":   ratelimit.GroupPrivateOrder,
		"DELETE /v1/orders/all":    ratelimit.GroupCancelAll,
	}
	for _, target := range RESTTargets() {
		group, err := limiter.Resolve(target)
		require.NoError(t, err, target.String())
		assert.Equal(t, want[target.String()], group, target.String())
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dry run
// ————————————————————————————————————————————————————————————————————————

func newDryRunClient(gate ratelimit.Gate) *Client {
	return &Client{
		dryRun: true,
		gate:   gate,
		logger: testLogger(),
	}
}

func TestDryRunPlaceOrder(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	c := newDryRunClient(gate)

	order, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Pair: "btc_jpy", Side: types.SELL, Type: types.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, "open", order.Status)
	assert.Empty(t, gate.acquires(), "dry run spends no quota")
}

func TestDryRunCancels(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(&fakeGate{})

	resp, err := c.CancelOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"order-1"}, resp.Canceled)

	resp, err = c.CancelAll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestPlaceOrderValidation(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(&fakeGate{})

	valid := types.OrderRequest{
		Pair: "btc_jpy", Side: types.BUY, Type: types.OrderTypeLimit,
		Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1),
	}

	tests := []struct {
		name   string
		mutate func(*types.OrderRequest)
	}{
		{"missing pair", func(o *types.OrderRequest) { o.Pair = "" }},
		{"bad side", func(o *types.OrderRequest) { o.Side = "hold" }},
		{"bad type", func(o *types.OrderRequest) { o.Type = "stop" }},
		{"zero amount", func(o *types.OrderRequest) { o.Amount = decimal.Zero }},
		{"limit without price", func(o *types.OrderRequest) { o.Price = decimal.Zero }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := valid
			tt.mutate(&o)
			_, err := c.PlaceOrder(context.Background(), o)
			assert.Error(t, err)
		})
	}

	market := valid
	market.Type = types.OrderTypeMarket
	market.Price = decimal.Zero
	_, err := c.PlaceOrder(context.Background(), market)
	assert.NoError(t, err, "market orders need no price")
}

func TestCancelOrderRejectsReservedIDs(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(&fakeGate{})

	for _, id := range []string{"", "all", "open", "a/b"} {
		_, err := c.CancelOrder(context.Background(), id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://localhost")
	cfg.DryRun = true
	c, err := NewClient(cfg, NewAuth("", ""), ratelimit.Nop(), testLogger())
	require.NoError(t, err)
	assert.True(t, c.dryRun)
}
