// Package exchange implements the exchange REST and WebSocket clients.
//
// The REST client (Client) covers market data, balances and order management:
//   - GetTicker:     GET    /v1/public/ticker     top of book for a pair
//   - GetBalances:   GET    /v1/private/balances  per-asset balances
//   - GetOpenOrders: GET    /v1/orders/open       resting orders
//   - PlaceOrder:    POST   /v1/orders            place one order
//   - CancelOrder:   DELETE /v1/orders/{id}       cancel one order
//   - CancelAll:     DELETE /v1/orders/all        emergency cancel everything
//
// Every request passes through a ratelimit.Gate before it is sent. A 429 is
// reported back to the gate with the server's Retry-After hint and retried;
// 5xx answers are retried with a short backoff. Private endpoints are signed
// with HMAC headers.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"exchange-gate/internal/config"
	"exchange-gate/internal/ratelimit"
	"exchange-gate/pkg/types"
)

const (
	pathTicker     = "/v1/public/ticker"
	pathBalances   = "/v1/private/balances"
	pathOrders     = "/v1/orders"
	pathOpenOrders = "/v1/orders/open"
	pathCancelAll  = "/v1/orders/all"

	serverErrorWait    = 500 * time.Millisecond
	serverErrorMaxWait = 5 * time.Second
)

// RESTTargets lists every endpoint the Client calls. CancelOrder is
// represented by a placeholder id.
func RESTTargets() []ratelimit.Target {
	return []ratelimit.Target{
		ratelimit.REST(http.MethodGet, pathTicker),
		ratelimit.REST(http.MethodGet, pathBalances),
		ratelimit.REST(http.MethodGet, pathOpenOrders),
		ratelimit.REST(http.MethodPost, pathOrders),
		ratelimit.REST(http.MethodDelete, orderPath("{id}")),
		ratelimit.REST(http.MethodDelete, pathCancelAll),
	}
}

func orderPath(id string) string { return pathOrders + "/" + id }

// registrar is implemented by gates that can check routing up front.
type registrar interface {
	Register(targets ...ratelimit.Target) error
}

func register(gate ratelimit.Gate, targets []ratelimit.Target) error {
	if r, ok := gate.(registrar); ok {
		return r.Register(targets...)
	}
	return nil
}

// Client is the exchange REST API client.
// It wraps a resty HTTP client with gated admission, retry and auth.
type Client struct {
	http           *resty.Client  // base URL, timeout, JSON content type
	auth           *Auth          // HMAC signer for private endpoints
	gate           ratelimit.Gate // shared with every other exchange client in the process
	acquireTimeout time.Duration  // budget per Acquire, 0 waits indefinitely
	maxRetries     int            // retries after a 429 or 5xx
	retryWait      time.Duration  // first 5xx backoff, doubled per attempt
	dryRun         bool           // when true, mutating methods return fake success without HTTP calls
	logger         *slog.Logger
}

// NewClient creates a REST client. It fails when gate has no rate group for
// one of the client's endpoints.
func NewClient(cfg config.Config, auth *Auth, gate ratelimit.Gate, logger *slog.Logger) (*Client, error) {
	if err := register(gate, RESTTargets()); err != nil {
		return nil, fmt.Errorf("register rest endpoints: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.API.RESTBaseURL).
		SetTimeout(cfg.API.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:           httpClient,
		auth:           auth,
		gate:           gate,
		acquireTimeout: cfg.API.AcquireTimeout,
		maxRetries:     cfg.API.MaxRetries,
		retryWait:      serverErrorWait,
		dryRun:         cfg.DryRun,
		logger:         logger.With("component", "rest"),
	}, nil
}

// request describes one REST call.
type request struct {
	method  string
	path    string
	query   map[string]string
	body    []byte
	private bool
	result  any
}

// do sends req, acquiring a slot from the gate before every attempt.
func (c *Client) do(ctx context.Context, req request) error {
	target := ratelimit.REST(req.method, req.path)

	if req.private && !c.auth.HasCredentials() {
		return fmt.Errorf("%s: no api credentials configured", target)
	}

	for attempt := 0; ; attempt++ {
		if err := c.gate.Acquire(ctx, target, c.acquireTimeout); err != nil {
			return err
		}

		r := c.http.R().
			SetContext(ctx).
			SetError(&types.ErrorResponse{})
		if req.query != nil {
			r.SetQueryParams(req.query)
		}
		if req.body != nil {
			r.SetBody(req.body)
		}
		if req.result != nil {
			r.SetResult(req.result)
		}
		if req.private {
			r.SetHeaders(c.auth.Headers(req.method, req.path, string(req.body)))
		}

		resp, err := r.Execute(req.method, req.path)
		if err != nil {
			return fmt.Errorf("%s: %w", target, err)
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"), time.Now())
			c.gate.OnThrottled(target, retryAfter)
			if attempt >= c.maxRetries {
				return &ThrottledError{Target: target.String(), Attempts: attempt + 1, RetryAfter: retryAfter}
			}
			c.logger.Warn("throttled, retrying", "target", target.String(),
				"attempt", attempt+1, "retry_after", retryAfter)

		case status >= http.StatusInternalServerError:
			if attempt >= c.maxRetries {
				return c.apiError(target, resp)
			}
			wait := min(c.retryWait<<attempt, serverErrorMaxWait)
			c.logger.Warn("server error, retrying", "target", target.String(),
				"status", status, "attempt", attempt+1, "backoff", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return fmt.Errorf("%s: %w", target, err)
			}

		case resp.IsError():
			return c.apiError(target, resp)

		default:
			return nil
		}
	}
}

func (c *Client) apiError(target ratelimit.Target, resp *resty.Response) error {
	apiErr := &APIError{Target: target.String(), Status: resp.StatusCode()}
	if body, ok := resp.Error().(*types.ErrorResponse); ok && body.Message != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	} else {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	return apiErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetTicker fetches the top of book for pair.
func (c *Client) GetTicker(ctx context.Context, pair string) (*types.Ticker, error) {
	var result types.Ticker
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   pathTicker,
		query:  map[string]string{"pair": pair},
		result: &result,
	})
	if err != nil {
		return nil, fmt.Errorf("get ticker: %w", err)
	}
	return &result, nil
}

// GetBalances fetches all asset balances.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	var result []types.Balance
	err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    pathBalances,
		private: true,
		result:  &result,
	})
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	return result, nil
}

// GetOpenOrders lists resting orders, optionally filtered by pair.
func (c *Client) GetOpenOrders(ctx context.Context, pair string) ([]types.Order, error) {
	var query map[string]string
	if pair != "" {
		query = map[string]string{"pair": pair}
	}

	var result []types.Order
	err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    pathOpenOrders,
		query:   query,
		private: true,
		result:  &result,
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	return result, nil
}

// PlaceOrder places a single order.
func (c *Client) PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.Order, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "pair", order.Pair, "side", order.Side,
			"price", order.Price, "amount", order.Amount)
		return &types.Order{
			ID:        fmt.Sprintf("dry-run-%d", time.Now().UnixNano()),
			Pair:      order.Pair,
			Side:      order.Side,
			Type:      order.Type,
			Price:     order.Price,
			Amount:    order.Amount,
			Status:    "open",
			CreatedAt: time.Now(),
		}, nil
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var result types.Order
	err = c.do(ctx, request{
		method:  http.MethodPost,
		path:    pathOrders,
		body:    body,
		private: true,
		result:  &result,
	})
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	c.logger.Info("order placed", "id", result.ID, "pair", result.Pair, "side", result.Side)
	return &result, nil
}

func validateOrder(order types.OrderRequest) error {
	switch {
	case order.Pair == "":
		return errors.New("place order: pair is required")
	case !order.Side.Valid():
		return fmt.Errorf("place order: invalid side %q", order.Side)
	case order.Type != types.OrderTypeLimit && order.Type != types.OrderTypeMarket:
		return fmt.Errorf("place order: invalid type %q", order.Type)
	case !order.Amount.IsPositive():
		return fmt.Errorf("place order: amount must be > 0, got %s", order.Amount)
	case order.Type == types.OrderTypeLimit && !order.Price.IsPositive():
		return fmt.Errorf("place order: limit price must be > 0, got %s", order.Price)
	}
	return nil
}

// CancelOrder cancels one order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*types.CancelResponse, error) {
	// "all" and "open" are sibling endpoints, not order IDs.
	if orderID == "" || orderID == "all" || orderID == "open" || strings.Contains(orderID, "/") {
		return nil, fmt.Errorf("cancel order: invalid order id %q", orderID)
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "id", orderID)
		return &types.CancelResponse{Canceled: []string{orderID}}, nil
	}

	var result types.CancelResponse
	err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    orderPath(orderID),
		private: true,
		result:  &result,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	return &result, nil
}

// CancelAll cancels every open order.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}

	var result types.CancelResponse
	err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    pathCancelAll,
		private: true,
		result:  &result,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}
