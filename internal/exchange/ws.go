// ws.go implements the public WebSocket ticker feed.
//
// Connecting, subscribing and unsubscribing all count against the exchange's
// WebSocket quota, so each goes through the gate first. The feed
// auto-reconnects with exponential backoff (1s → 30s max) and re-subscribes
// to every tracked channel on reconnection. A read deadline (90s) ensures
// silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"exchange-gate/internal/ratelimit"
	"exchange-gate/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send a ping frame
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickerBufferSize = 256

	tickerChannelPrefix = "ticker."

	wsConnect     = "connect"
	wsSubscribe   = "subscribe"
	wsUnsubscribe = "unsubscribe"
)

var errNotConnected = errors.New("websocket not connected")

// WSTargets lists every gated WebSocket action.
func WSTargets() []ratelimit.Target {
	return []ratelimit.Target{
		ratelimit.WebSocket(wsConnect),
		ratelimit.WebSocket(wsSubscribe),
		ratelimit.WebSocket(wsUnsubscribe),
	}
}

// TickerChannel returns the stream channel name for pair.
func TickerChannel(pair string) string { return tickerChannelPrefix + pair }

// Feed manages one WebSocket connection. It handles connection lifecycle,
// subscription tracking, message routing and automatic reconnection.
type Feed struct {
	url            string
	dialer         *websocket.Dialer
	gate           ratelimit.Gate
	acquireTimeout time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and swaps

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickerCh chan types.WSTickerEvent

	logger *slog.Logger
}

// NewFeed creates a feed for wsURL. It fails when gate has no rate group for
// one of the WebSocket actions.
func NewFeed(wsURL string, gate ratelimit.Gate, acquireTimeout time.Duration, logger *slog.Logger) (*Feed, error) {
	if err := register(gate, WSTargets()); err != nil {
		return nil, fmt.Errorf("register websocket actions: %w", err)
	}
	return &Feed{
		url:            wsURL,
		dialer:         websocket.DefaultDialer,
		gate:           gate,
		acquireTimeout: acquireTimeout,
		subscribed:     make(map[string]bool),
		tickerCh:       make(chan types.WSTickerEvent, tickerBufferSize),
		logger:         logger.With("component", "ws"),
	}, nil
}

// Tickers returns a read-only channel of ticker updates.
func (f *Feed) Tickers() <-chan types.WSTickerEvent { return f.tickerCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds channels. They are sent now when connected and on every
// reconnect; while disconnected they are only recorded.
func (f *Feed) Subscribe(ctx context.Context, channels []string) error {
	f.subscribedMu.Lock()
	for _, ch := range channels {
		f.subscribed[ch] = true
	}
	f.subscribedMu.Unlock()

	return f.send(ctx, wsSubscribe, channels)
}

// Unsubscribe removes channels from the subscription.
func (f *Feed) Unsubscribe(ctx context.Context, channels []string) error {
	f.subscribedMu.Lock()
	for _, ch := range channels {
		delete(f.subscribed, ch)
	}
	f.subscribedMu.Unlock()

	return f.send(ctx, wsUnsubscribe, channels)
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

// send gates and writes one subscription change. Nothing is spent while
// disconnected.
func (f *Feed) send(ctx context.Context, op string, channels []string) error {
	if len(channels) == 0 || !f.connected() {
		return nil
	}
	if err := f.gate.Acquire(ctx, ratelimit.WebSocket(op), f.acquireTimeout); err != nil {
		return err
	}
	err := f.writeJSON(types.WSRequest{Op: op, Channels: channels})
	if errors.Is(err, errNotConnected) {
		// dropped between the check and the write; the reconnect re-sends
		return nil
	}
	return err
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	if err := f.gate.Acquire(ctx, ratelimit.WebSocket(wsConnect), f.acquireTimeout); err != nil {
		return fmt.Errorf("acquire connect: %w", err)
	}

	conn, resp, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			f.gate.OnThrottled(ratelimit.WebSocket(wsConnect), retryAfter)
			return fmt.Errorf("dial: throttled (retry after %s): %w", retryAfter, err)
		}
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Close the socket on cancellation so the blocking read returns.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription(ctx context.Context) error {
	f.subscribedMu.RLock()
	channels := make([]string, 0, len(f.subscribed))
	for ch := range f.subscribed {
		channels = append(channels, ch)
	}
	f.subscribedMu.RUnlock()

	if len(channels) == 0 {
		return nil
	}
	sort.Strings(channels)

	if err := f.gate.Acquire(ctx, ratelimit.WebSocket(wsSubscribe), f.acquireTimeout); err != nil {
		return err
	}
	return f.writeJSON(types.WSRequest{Op: wsSubscribe, Channels: channels})
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch {
	case strings.HasPrefix(envelope.Channel, tickerChannelPrefix):
		var evt types.WSTickerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal ticker event", "error", err)
			return
		}
		if evt.Ticker.Pair == "" {
			evt.Ticker.Pair = strings.TrimPrefix(envelope.Channel, tickerChannelPrefix)
		}
		select {
		case f.tickerCh <- evt:
		default:
			f.logger.Warn("ticker channel full, dropping event", "pair", evt.Ticker.Pair)
		}

	case envelope.Channel == "":
		// subscription acks and heartbeats
		f.logger.Debug("ignoring control message", "data", string(data))

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeControl(websocket.PingMessage); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeControl(msgType int) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	return f.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}
