// Package stream maintains a single live websocket session against a
// push-based market data source, keeps the subscription set synchronized
// across reconnects, and delivers classified trade and bar events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"deltafeed-go/internal/marketdata"
	"deltafeed-go/internal/metrics"
)

// State tracks the connection lifecycle. Exactly one live connection
// attempt is in flight at a time.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

const (
	defaultBackoffBase = time.Second
	defaultMaxAttempts = 10

	// tradeEpsilon is the minimum price change required before a trade is
	// re-delivered for a symbol.
	tradeEpsilon = 0.001
)

// ErrNoCredentials is reported when Connect is called without an API key pair.
var ErrNoCredentials = errors.New("stream: api key and secret required")

// ErrReconnectExhausted is reported after the last reconnect attempt fails;
// only an explicit Connect escapes this state.
var ErrReconnectExhausted = errors.New("stream: reconnect attempts exhausted")

// Listener receives every classified event, in arrival order.
type Listener interface {
	OnTrade(symbol string, price float64, meta marketdata.TradeMeta)
	OnSecondBar(symbol string, bar marketdata.Bar)
	OnMinuteBar(symbol string, bar marketdata.Bar)
	OnConnected()
	OnDisconnected(reason string)
	OnError(err error)
}

// Conn is the duplex transport the client reads from and writes to.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Conn; the default dials a gorilla websocket.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Config carries the connection endpoint and credentials.
type Config struct {
	URL    string
	Key    string
	Secret string
}

// Status is a point-in-time view of the client for display surfaces.
type Status struct {
	Connected bool
	State     State
	Symbols   []string
	Latency   time.Duration
}

// Client owns the streaming session. All exported methods are safe for
// concurrent use; events are delivered from a single reader goroutine.
type Client struct {
	cfg      Config
	listener Listener
	log      zerolog.Logger
	dialer   Dialer

	backoffBase time.Duration
	maxAttempts int

	mu              sync.Mutex
	state           State
	conn            Conn
	subs            map[string]struct{}
	shouldReconnect bool
	attempts        int
	pending         *time.Timer
	lastPrices      map[string]float64
	lastLatency     time.Duration

	now func() time.Time
}

// Option configures Client construction parameters.
type Option func(*Client)

// WithDialer swaps the websocket dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithBackoff overrides the reconnect base delay and attempt cap.
func WithBackoff(base time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
	}
}

// NewClient builds a client delivering events to the supplied listener.
func NewClient(cfg Config, listener Listener, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:         cfg,
		listener:    listener,
		log:         log,
		dialer:      WebsocketDialer{},
		backoffBase: defaultBackoffBase,
		maxAttempts: defaultMaxAttempts,
		subs:        make(map[string]struct{}),
		lastPrices:  make(map[string]float64),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the transport and authenticates. Fails fast when no
// credential is configured; no-op while a session is already connecting or
// connected.
func (c *Client) Connect() error {
	if c.cfg.Key == "" || c.cfg.Secret == "" {
		c.listener.OnError(ErrNoCredentials)
		return ErrNoCredentials
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.shouldReconnect = true
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	go c.dial()
	return nil
}

// Subscribe adds a symbol to the subscription set, requesting trades,
// second bars, and minute bars for it. Triggers Connect when no session is
// underway; the always-replay-on-connect rule covers queued intents.
func (c *Client) Subscribe(symbol string) {
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return
	}

	c.mu.Lock()
	c.subs[sym] = struct{}{}
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	switch state {
	case StateConnected:
		c.send(conn, newSubscriptionRequest("subscribe", sym))
	case StateIdle, StateTerminated:
		_ = c.Connect()
	}
}

// Unsubscribe removes a symbol; the server is told only while connected.
func (c *Client) Unsubscribe(symbol string) {
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return
	}

	c.mu.Lock()
	delete(c.subs, sym)
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	if state == StateConnected {
		c.send(conn, newSubscriptionRequest("unsubscribe", sym))
	}
}

// Disconnect tears the session down from any state: no further reconnects,
// subscription set cleared, state back to idle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]struct{})
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// GetStatus reports the connection flag, subscribed symbols, and the
// latest receipt-minus-event-time latency estimate.
func (c *Client) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbols := make([]string, 0, len(c.subs))
	for sym := range c.subs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return Status{
		Connected: c.state == StateConnected,
		State:     c.state,
		Symbols:   symbols,
		Latency:   c.lastLatency,
	}
}

func (c *Client) dial() {
	conn, err := c.dialer.Dial(context.Background(), c.cfg.URL)
	if err != nil {
		c.log.Warn().Err(err).Msg("stream dial failed")
		c.listener.OnDisconnected(fmt.Sprintf("dial failed: %v", err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if !c.shouldReconnect {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	// A successful open restarts the backoff schedule from the base delay.
	c.attempts = 0
	c.mu.Unlock()

	// Transport is open; authenticate before anything else.
	if err := conn.WriteJSON(authRequest{Action: "auth", Key: c.cfg.Key, Secret: c.cfg.Secret}); err != nil {
		c.log.Warn().Err(err).Msg("stream auth write failed")
	}

	c.readLoop(conn)
}

func (c *Client) readLoop(conn Conn) {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handlePayload(payload)
	}
}

func (c *Client) handleClose(conn Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer session owns the client; this loop is stale.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.listener.OnDisconnected(fmt.Sprintf("connection closed: %v", err))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if !c.shouldReconnect {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.state = StateTerminated
		c.mu.Unlock()
		c.listener.OnError(ErrReconnectExhausted)
		return
	}
	c.attempts++
	delay := backoffDelay(c.backoffBase, c.attempts)
	c.state = StateReconnecting
	if c.pending != nil {
		c.pending.Stop()
	}
	c.pending = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if !c.shouldReconnect {
			c.mu.Unlock()
			return
		}
		c.pending = nil
		c.state = StateConnecting
		c.mu.Unlock()
		c.dial()
	})
	attempt := c.attempts
	c.mu.Unlock()

	metrics.ReconnectsTotal.Inc()
	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("stream reconnect scheduled")
}

// backoffDelay returns base × 2^(attempt−1) for 1-indexed attempts.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

func (c *Client) send(conn Conn, v any) {
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(v); err != nil {
		c.log.Warn().Err(err).Msg("stream write failed")
	}
}

func (c *Client) handlePayload(payload []byte) {
	var envelopes []json.RawMessage
	if err := json.Unmarshal(payload, &envelopes); err != nil {
		c.log.Warn().Msg("stream payload is not a message array, dropping")
		return
	}
	for _, raw := range envelopes {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn().Err(err).Msg("stream message missing tag, dropping")
			continue
		}
		switch env.Tag {
		case tagControl:
			c.handleControl(raw)
		case tagError:
			var ctl controlMessage
			if err := json.Unmarshal(raw, &ctl); err == nil {
				c.listener.OnError(fmt.Errorf("stream: server error %d: %s", ctl.Code, ctl.Msg))
			}
		case tagTrade:
			c.handleTrade(raw)
		case tagSecondBar, tagMinuteBar:
			c.handleBar(raw, env.Tag)
		default:
			c.log.Debug().Str("tag", env.Tag).Msg("unrecognized stream message")
		}
	}
}

func (c *Client) handleControl(raw json.RawMessage) {
	var ctl controlMessage
	if err := json.Unmarshal(raw, &ctl); err != nil {
		return
	}
	if ctl.Msg != authAckMsg {
		return
	}

	c.mu.Lock()
	c.state = StateConnected
	conn := c.conn
	symbols := make([]string, 0, len(c.subs))
	for sym := range c.subs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	c.mu.Unlock()

	c.log.Info().Strs("symbols", symbols).Msg("stream authenticated")
	c.listener.OnConnected()

	// Idempotent resync: replay every subscription after (re)connect.
	for _, sym := range symbols {
		c.send(conn, newSubscriptionRequest("subscribe", sym))
	}
}

func (c *Client) handleTrade(raw json.RawMessage) {
	var msg tradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn().Err(err).Msg("malformed trade message, dropping")
		return
	}
	trade := msg.trade()
	latency := c.now().Sub(trade.Timestamp)

	if trade.Excluded() {
		metrics.TradesDroppedTotal.WithLabelValues(trade.Symbol, "condition").Inc()
		return
	}

	c.mu.Lock()
	last, seen := c.lastPrices[trade.Symbol]
	if seen && math.Abs(trade.Price-last) <= tradeEpsilon {
		c.mu.Unlock()
		metrics.TradesDroppedTotal.WithLabelValues(trade.Symbol, "duplicate").Inc()
		return
	}
	c.lastPrices[trade.Symbol] = trade.Price
	c.lastLatency = latency
	c.mu.Unlock()

	metrics.TradesTotal.WithLabelValues(trade.Symbol).Inc()
	metrics.FeedLatencySeconds.WithLabelValues(trade.Symbol).Set(latency.Seconds())
	c.listener.OnTrade(trade.Symbol, trade.Price, marketdata.TradeMeta{
		Size:       trade.Size,
		Timestamp:  trade.Timestamp,
		Latency:    latency,
		Conditions: trade.Conditions,
		Exchange:   trade.Exchange,
	})
}

func (c *Client) handleBar(raw json.RawMessage, tag string) {
	var msg barMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn().Err(err).Msg("malformed bar message, dropping")
		return
	}
	if !msg.valid() {
		c.log.Warn().Str("symbol", msg.Symbol).Msg("bar with non-finite OHLC, dropping")
		return
	}
	bar := msg.bar()

	granularity := marketdata.GranularitySecond
	span := time.Second
	if tag == tagMinuteBar {
		granularity = marketdata.GranularityMinute
		span = time.Minute
	}

	c.mu.Lock()
	c.lastPrices[bar.Symbol] = bar.Close
	c.lastLatency = c.now().Sub(bar.StartTime.Add(span))
	c.mu.Unlock()

	metrics.BarsTotal.WithLabelValues(bar.Symbol, string(granularity)).Inc()
	if granularity == marketdata.GranularityMinute {
		c.listener.OnMinuteBar(bar.Symbol, bar)
	} else {
		c.listener.OnSecondBar(bar.Symbol, bar)
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
