package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"deltafeed-go/internal/marketdata"
)

type tradeEvent struct {
	symbol string
	price  float64
	meta   marketdata.TradeMeta
}

type recordingListener struct {
	trades       chan tradeEvent
	secondBars   chan marketdata.Bar
	minuteBars   chan marketdata.Bar
	connected    chan struct{}
	disconnected chan string
	errs         chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		trades:       make(chan tradeEvent, 16),
		secondBars:   make(chan marketdata.Bar, 16),
		minuteBars:   make(chan marketdata.Bar, 16),
		connected:    make(chan struct{}, 16),
		disconnected: make(chan string, 16),
		errs:         make(chan error, 16),
	}
}

func (l *recordingListener) OnTrade(symbol string, price float64, meta marketdata.TradeMeta) {
	l.trades <- tradeEvent{symbol: symbol, price: price, meta: meta}
}
func (l *recordingListener) OnSecondBar(symbol string, bar marketdata.Bar) { l.secondBars <- bar }
func (l *recordingListener) OnMinuteBar(symbol string, bar marketdata.Bar) { l.minuteBars <- bar }
func (l *recordingListener) OnConnected()                                  { l.connected <- struct{}{} }
func (l *recordingListener) OnDisconnected(reason string)                  { l.disconnected <- reason }
func (l *recordingListener) OnError(err error)                             { l.errs <- err }

type fakeConn struct {
	incoming chan []byte
	writes   chan any
	once     sync.Once
	closed   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		writes:   make(chan any, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-f.incoming:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	select {
	case f.writes <- v:
		return nil
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	fail   bool
	dials  atomic.Int64
	dialed chan *fakeConn
}

func newFakeDialer(fail bool) *fakeDialer {
	return &fakeDialer{fail: fail, dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	if d.fail {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

func waitConn(t *testing.T, dialer *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case conn := <-dialer.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitWrite(t *testing.T, conn *fakeConn) any {
	t.Helper()
	select {
	case v := <-conn.writes:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
		return nil
	}
}

func authAck() []byte {
	return []byte(`[{"T":"success","msg":"authenticated"}]`)
}

func newConnectedClient(t *testing.T) (*Client, *recordingListener, *fakeConn) {
	t.Helper()
	listener := newRecordingListener()
	dialer := newFakeDialer(false)
	client := NewClient(Config{URL: "wss://test", Key: "k", Secret: "s"}, listener, zerolog.Nop(), WithDialer(dialer))
	t.Cleanup(client.Disconnect)

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	conn := waitConn(t, dialer)
	if _, ok := waitWrite(t, conn).(authRequest); !ok {
		t.Fatalf("expected auth request first")
	}
	conn.incoming <- authAck()
	select {
	case <-listener.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected")
	}
	return client, listener, conn
}

func TestConnectWithoutCredentials(t *testing.T) {
	listener := newRecordingListener()
	client := NewClient(Config{URL: "wss://test"}, listener, zerolog.Nop(), WithDialer(newFakeDialer(false)))

	if err := client.Connect(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	select {
	case err := <-listener.errs:
		if !errors.Is(err, ErrNoCredentials) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnError for missing credentials")
	}
}

func TestAuthReplaysSubscriptions(t *testing.T) {
	listener := newRecordingListener()
	dialer := newFakeDialer(false)
	client := NewClient(Config{URL: "wss://test", Key: "k", Secret: "s"}, listener, zerolog.Nop(), WithDialer(dialer))
	defer client.Disconnect()

	client.Subscribe("  spy ") // queues intent and triggers connect

	conn := waitConn(t, dialer)
	if _, ok := waitWrite(t, conn).(authRequest); !ok {
		t.Fatalf("expected auth request first")
	}
	conn.incoming <- authAck()

	select {
	case <-listener.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected")
	}

	sub, ok := waitWrite(t, conn).(subscriptionRequest)
	if !ok {
		t.Fatalf("expected subscription replay after auth")
	}
	if sub.Action != "subscribe" || len(sub.Trades) != 1 || sub.Trades[0] != "SPY" {
		t.Fatalf("unexpected subscription request: %+v", sub)
	}
	if len(sub.SecondBars) != 1 || len(sub.MinuteBars) != 1 {
		t.Fatalf("expected all three message classes in one request: %+v", sub)
	}

	status := client.GetStatus()
	if !status.Connected || len(status.Symbols) != 1 || status.Symbols[0] != "SPY" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestExcludedTradeNeverDelivered(t *testing.T) {
	_, listener, conn := newConnectedClient(t)

	conn.incoming <- []byte(`[{"T":"t","S":"SPY","p":500.25,"s":100,"t":1700000000000,"c":[0,38],"x":4}]`)
	conn.incoming <- []byte(`[{"T":"t","S":"SPY","p":500.30,"s":100,"t":1700000000100,"c":[0],"x":4}]`)

	select {
	case ev := <-listener.trades:
		if ev.price != 500.30 {
			t.Fatalf("excluded trade leaked through: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for regular trade")
	}
}

func TestTradeDedupEpsilon(t *testing.T) {
	_, listener, conn := newConnectedClient(t)

	conn.incoming <- []byte(`[{"T":"t","S":"SPY","p":500.00,"s":100,"t":1700000000000}]`)
	conn.incoming <- []byte(`[{"T":"t","S":"SPY","p":500.0005,"s":100,"t":1700000000050}]`) // within epsilon
	conn.incoming <- []byte(`[{"T":"t","S":"SPY","p":500.01,"s":100,"t":1700000000100}]`)

	first := <-listener.trades
	if first.price != 500.00 {
		t.Fatalf("unexpected first trade: %+v", first)
	}
	select {
	case ev := <-listener.trades:
		if ev.price != 500.01 {
			t.Fatalf("duplicate trade leaked through: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second distinct trade")
	}
}

func TestBarClassificationAndValidation(t *testing.T) {
	_, listener, conn := newConnectedClient(t)

	// Missing close: dropped without a callback.
	conn.incoming <- []byte(`[{"T":"m","S":"SPY","t":1700000040,"o":500,"h":501,"l":499,"v":1000}]`)
	conn.incoming <- []byte(`[{"T":"s","S":"SPY","t":1700000041,"o":500,"h":500.5,"l":499.9,"c":500.2,"v":120}]`)
	conn.incoming <- []byte(`[{"T":"m","S":"SPY","t":1700000040,"o":500,"h":501,"l":499,"c":500.4,"v":9000,"vw":500.1,"n":42}]`)

	select {
	case bar := <-listener.secondBars:
		if bar.Close != 500.2 {
			t.Fatalf("unexpected second bar: %+v", bar)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second bar")
	}
	select {
	case bar := <-listener.minuteBars:
		if bar.StartTime.Unix() != 1700000040 || bar.Close != 500.4 || bar.TradeCount != 42 {
			t.Fatalf("unexpected minute bar: %+v", bar)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for minute bar")
	}
}

func TestMalformedAndUnknownPayloadsIgnored(t *testing.T) {
	client, listener, conn := newConnectedClient(t)

	conn.incoming <- []byte(`{"T":"t","S":"SPY","p":500}`) // not an array
	conn.incoming <- []byte(`[{"T":"quote","S":"SPY"}]`)   // unrecognized tag
	conn.incoming <- []byte(`[{"T":"t","S":"SPY","p":501,"t":1700000000000}]`)

	select {
	case ev := <-listener.trades:
		if ev.price != 501 {
			t.Fatalf("unexpected trade: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trade after junk payloads")
	}
	select {
	case err := <-listener.errs:
		t.Fatalf("junk payloads must not surface errors, got %v", err)
	default:
	}
	if !client.GetStatus().Connected {
		t.Fatal("client should still be connected")
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		want := time.Duration(1000<<(attempt-1)) * time.Millisecond
		if got := backoffDelay(time.Second, attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestReconnectExhaustionTerminates(t *testing.T) {
	listener := newRecordingListener()
	dialer := newFakeDialer(true)
	client := NewClient(
		Config{URL: "wss://test", Key: "k", Secret: "s"},
		listener,
		zerolog.Nop(),
		WithDialer(dialer),
		WithBackoff(time.Millisecond, 2),
	)
	defer client.Disconnect()

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case err := <-listener.errs:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("expected ErrReconnectExhausted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal error")
	}

	if got := client.GetStatus().State; got != StateTerminated {
		t.Fatalf("expected terminated state, got %s", got)
	}
	// Initial attempt plus two retries.
	if got := dialer.dials.Load(); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}

	before := dialer.dials.Load()
	time.Sleep(20 * time.Millisecond)
	if dialer.dials.Load() != before {
		t.Fatal("no further attempts expected after termination")
	}
}

func TestSuccessfulOpenResetsBackoff(t *testing.T) {
	listener := newRecordingListener()
	dialer := newFakeDialer(false)
	client := NewClient(
		Config{URL: "wss://test", Key: "k", Secret: "s"},
		listener,
		zerolog.Nop(),
		WithDialer(dialer),
		WithBackoff(time.Millisecond, 3),
	)
	defer client.Disconnect()

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	// Drop every session right after the transport opens, more times than
	// the attempt cap would allow for consecutive dial failures. Each open
	// restarts the schedule, so the client must keep redialing.
	for i := 0; i < 6; i++ {
		conn := waitConn(t, dialer)
		if _, ok := waitWrite(t, conn).(authRequest); !ok {
			t.Fatalf("cycle %d: expected auth request first", i)
		}
		_ = conn.Close()
	}

	conn := waitConn(t, dialer)
	if _, ok := waitWrite(t, conn).(authRequest); !ok {
		t.Fatalf("expected auth request first")
	}
	conn.incoming <- authAck()
	select {
	case <-listener.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected after repeated drops")
	}

	select {
	case err := <-listener.errs:
		t.Fatalf("unexpected terminal error: %v", err)
	default:
	}
	if got := client.GetStatus().State; got != StateConnected {
		t.Fatalf("expected connected state, got %s", got)
	}
}

func TestSubscriptionReplayAfterReconnect(t *testing.T) {
	listener := newRecordingListener()
	dialer := newFakeDialer(false)
	client := NewClient(
		Config{URL: "wss://test", Key: "k", Secret: "s"},
		listener,
		zerolog.Nop(),
		WithDialer(dialer),
		WithBackoff(time.Millisecond, 3),
	)
	defer client.Disconnect()

	client.Subscribe("SPY")

	first := waitConn(t, dialer)
	if _, ok := waitWrite(t, first).(authRequest); !ok {
		t.Fatalf("expected auth request first")
	}
	first.incoming <- authAck()
	select {
	case <-listener.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected")
	}
	if _, ok := waitWrite(t, first).(subscriptionRequest); !ok {
		t.Fatalf("expected subscription replay on first session")
	}

	// Server drops the session; the client redials after the base delay.
	_ = first.Close()

	second := waitConn(t, dialer)
	if _, ok := waitWrite(t, second).(authRequest); !ok {
		t.Fatalf("expected auth request on redial")
	}
	second.incoming <- authAck()
	select {
	case <-listener.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected after reconnect")
	}

	sub, ok := waitWrite(t, second).(subscriptionRequest)
	if !ok {
		t.Fatalf("expected subscription replay on the new session")
	}
	if sub.Action != "subscribe" || len(sub.Trades) != 1 || sub.Trades[0] != "SPY" {
		t.Fatalf("unexpected replayed subscription: %+v", sub)
	}
}

func TestDisconnectStopsReconnectAndClearsSubscriptions(t *testing.T) {
	client, _, conn := newConnectedClient(t)
	client.Subscribe("SPY")
	_ = waitWrite(t, conn) // subscribe request

	client.Disconnect()

	status := client.GetStatus()
	if status.Connected || len(status.Symbols) != 0 {
		t.Fatalf("expected idle empty status, got %+v", status)
	}
	if status.State != StateIdle {
		t.Fatalf("expected idle state, got %s", status.State)
	}
}

func TestStatusLatencyTracksTradeTimestamp(t *testing.T) {
	client, listener, conn := newConnectedClient(t)

	ts := time.Now().Add(-250 * time.Millisecond).UnixMilli()
	conn.incoming <- []byte(fmt.Sprintf(`[{"T":"t","S":"SPY","p":500.5,"t":%d}]`, ts))
	<-listener.trades

	latency := client.GetStatus().Latency
	if latency < 200*time.Millisecond || latency > 2*time.Second {
		t.Fatalf("unexpected latency estimate %v", latency)
	}
}
