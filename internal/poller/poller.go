// Package poller simulates low-latency updates for sources without push
// support by repeatedly pulling the latest bar for one active symbol and
// detecting novelty by timestamp.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"deltafeed-go/internal/marketdata"
	"deltafeed-go/internal/metrics"
)

const (
	defaultInterval       = 250 * time.Millisecond
	defaultHistoryCount   = 800
	defaultErrorThreshold = 5
)

// ReasonTooManyErrors is the disconnect reason used when the consecutive
// failure threshold is reached.
const ReasonTooManyErrors = "too many consecutive errors"

// DataSource is the request/response adapter the poller pulls from.
// LatestBar's second return is false when the source has no bar yet; that
// is a no-op for the poll loop, not an error.
type DataSource interface {
	HistoricalBars(ctx context.Context, symbolID string, granularity marketdata.Granularity, count int) ([]marketdata.Bar, error)
	LatestBar(ctx context.Context, symbolID string, granularity marketdata.Granularity) (marketdata.Bar, bool, error)
}

// Listener receives poll session events, in arrival order.
type Listener interface {
	OnInitialLoad(bars []marketdata.Bar)
	OnMinuteBar(symbol string, bar marketdata.Bar)
	OnConnected()
	OnDisconnected(reason string)
	OnError(err error)
}

// Status is a point-in-time view of the poll session.
type Status struct {
	Running      bool
	SymbolID     string
	LastBarStart int64
	ErrorCount   int
}

// Poller owns at most one active poll session. Starting a new session
// fully stops any previous one first.
type Poller struct {
	src      DataSource
	listener Listener
	log      zerolog.Logger

	interval       time.Duration
	historyCount   int
	errorThreshold int

	mu        sync.Mutex
	running   bool
	symbolID  string
	symbol    string
	lastStart int64
	errCount  int
	inFlight  bool
	cancel    context.CancelFunc
}

// Option configures Poller construction parameters.
type Option func(*Poller)

// WithInterval overrides the fixed poll cadence.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithHistoryCount overrides how many bars the bootstrap fetch requests.
func WithHistoryCount(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.historyCount = n
		}
	}
}

// WithErrorThreshold overrides the consecutive-failure count that stops
// the session.
func WithErrorThreshold(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.errorThreshold = n
		}
	}
}

// New builds a poller pulling from src and delivering to listener.
func New(src DataSource, listener Listener, log zerolog.Logger, opts ...Option) *Poller {
	p := &Poller{
		src:            src,
		listener:       listener,
		log:            log,
		interval:       defaultInterval,
		historyCount:   defaultHistoryCount,
		errorThreshold: defaultErrorThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins a poll session for one symbol. A running session is stopped
// first. With loadHistory, one bounded historical fetch runs before the
// live loop; failure there aborts the start without entering the loop.
func (p *Poller) Start(symbolID, symbol string, loadHistory bool) error {
	p.Stop("restarting")

	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.symbolID = symbolID
	p.symbol = symbol
	p.lastStart = 0
	p.errCount = 0
	p.inFlight = false
	p.cancel = cancel
	p.mu.Unlock()

	if loadHistory {
		bars, err := p.src.HistoricalBars(ctx, symbolID, marketdata.GranularityMinute, p.historyCount)
		if err != nil {
			cancel()
			p.mu.Lock()
			p.cancel = nil
			p.symbolID = ""
			p.symbol = ""
			p.mu.Unlock()
			err = fmt.Errorf("historical bootstrap: %w", err)
			p.listener.OnError(err)
			return err
		}
		p.listener.OnInitialLoad(bars)
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	p.log.Info().Str("symbol", symbol).Dur("interval", p.interval).Msg("poll session started")
	p.listener.OnConnected()

	go p.run(ctx)
	return nil
}

// Stop cancels the periodic loop, clears the session, and reports the
// disconnect reason exactly once. No-op when nothing is running.
func (p *Poller) Stop(reason string) {
	p.mu.Lock()
	if !p.running {
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.symbolID = ""
	p.symbol = ""
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.log.Info().Str("reason", reason).Msg("poll session stopped")
	p.listener.OnDisconnected(reason)
}

// GetStatus snapshots the session state.
func (p *Poller) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:      p.running,
		SymbolID:     p.symbolID,
		LastBarStart: p.lastStart,
		ErrorCount:   p.errCount,
	}
}

func (p *Poller) run(ctx context.Context) {
	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	if p.inFlight {
		// One fetch outlived the cadence; skip rather than overlap so bar
		// callbacks stay ordered and lastStart has a single writer.
		p.mu.Unlock()
		metrics.PollSkippedTotal.Inc()
		return
	}
	p.inFlight = true
	symbolID := p.symbolID
	symbol := p.symbol
	p.mu.Unlock()

	bar, ok, err := p.src.LatestBar(ctx, symbolID, marketdata.GranularityMinute)

	p.mu.Lock()
	if ctx.Err() != nil {
		// Session was stopped (or replaced) while the fetch was in flight;
		// its result must not touch the current session's state.
		p.mu.Unlock()
		return
	}
	p.inFlight = false
	if !p.running {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.errCount++
		count := p.errCount
		p.mu.Unlock()
		metrics.PollErrorsTotal.Inc()
		p.log.Warn().Err(err).Int("consecutive", count).Msg("poll fetch failed")
		if count >= p.errorThreshold {
			p.listener.OnError(fmt.Errorf("poller: %s: %w", ReasonTooManyErrors, err))
			p.Stop(ReasonTooManyErrors)
		}
		return
	}
	p.errCount = 0
	if !ok {
		p.mu.Unlock()
		return
	}
	start := bar.StartTime.Unix()
	if start == p.lastStart {
		p.mu.Unlock()
		return
	}
	p.lastStart = start
	p.mu.Unlock()

	bar.Symbol = symbol
	metrics.BarsTotal.WithLabelValues(symbol, string(marketdata.GranularityMinute)).Inc()
	p.listener.OnMinuteBar(symbol, bar)
}
