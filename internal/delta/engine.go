// Package delta derives an empirical option-price sensitivity from observed
// co-movement of underlying and option prices.
package delta

import (
	"math"
	"sync"
	"time"

	"deltafeed-go/internal/marketdata"
	"deltafeed-go/internal/metrics"
)

const (
	defaultWindow       = 30 * time.Second
	defaultMinMovement  = 0.05
	defaultMaxDeltaJump = 0.4
	defaultAlpha        = 0.3
	defaultFallback     = 0.5

	smoothedHistoryCap = 10
	liveMaxAge         = 5 * time.Second
	minWindowSamples   = 2
)

// Sample is one timestamped underlying/option price observation.
type Sample struct {
	Ts         time.Time
	Underlying float64
	Option     float64
	Type       marketdata.OptionType
}

// Status is a point-in-time snapshot of the engine state.
type Status struct {
	Delta       float64
	HasCurrent  bool
	LastValid   float64
	SampleCount int
	Live        bool
}

// Engine converts price-pair samples into a bounded, smoothed delta
// estimate. Safe for concurrent use; feed goroutines call in directly.
type Engine struct {
	window       time.Duration
	minMovement  float64
	maxDeltaJump float64
	alpha        float64

	mu        sync.Mutex
	samples   []Sample
	current   float64
	hasCurr   bool
	lastValid float64
	smoothed  []float64

	now func() time.Time
}

// Option configures Engine construction parameters.
type Option func(*Engine)

// WithWindow overrides the sample retention window.
func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithMinMovement overrides the minimum underlying movement required before
// a raw delta is computed.
func WithMinMovement(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.minMovement = v
		}
	}
}

// WithMaxDeltaJump overrides the outlier rejection threshold.
func WithMaxDeltaJump(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.maxDeltaJump = v
		}
	}
}

// WithAlpha overrides the EWMA smoothing factor.
func WithAlpha(v float64) Option {
	return func(e *Engine) {
		if v > 0 && v <= 1 {
			e.alpha = v
		}
	}
}

// NewEngine builds an engine with the default tunables.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		window:       defaultWindow,
		minMovement:  defaultMinMovement,
		maxDeltaJump: defaultMaxDeltaJump,
		alpha:        defaultAlpha,
		lastValid:    defaultFallback,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddSample records one underlying/option observation and recomputes the
// estimate. Samples with non-finite or non-positive prices are discarded
// without touching state.
func (e *Engine) AddSample(underlying, option float64, typ marketdata.OptionType) {
	if !validPrice(underlying) || !validPrice(option) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.now()
	e.samples = append(e.samples, Sample{Ts: ts, Underlying: underlying, Option: option, Type: typ})
	e.evict(ts)
	e.compute(typ)
}

// Delta returns the current smoothed estimate, falling back to the last
// valid value. Never absent.
func (e *Engine) Delta() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasCurr {
		return e.current
	}
	return e.lastValid
}

// Live reports whether the estimate reflects a recent, populated window.
func (e *Engine) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveLocked()
}

// GetStatus snapshots the engine for display surfaces.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	delta := e.lastValid
	if e.hasCurr {
		delta = e.current
	}
	return Status{
		Delta:       delta,
		HasCurrent:  e.hasCurr,
		LastValid:   e.lastValid,
		SampleCount: len(e.samples),
		Live:        e.liveLocked(),
	}
}

// Reset clears the window and smoothed history but keeps lastValid so a
// host switching instruments still has a sane immediate fallback.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = nil
	e.smoothed = nil
	e.current = 0
	e.hasCurr = false
}

func (e *Engine) liveLocked() bool {
	if len(e.samples) < minWindowSamples {
		return false
	}
	newest := e.samples[len(e.samples)-1]
	return e.now().Sub(newest.Ts) < liveMaxAge
}

func (e *Engine) evict(now time.Time) {
	cutoff := now.Add(-e.window)
	idx := 0
	for i, s := range e.samples {
		if s.Ts.After(cutoff) {
			idx = i
			break
		}
		idx = i + 1
	}
	if idx > 0 && idx <= len(e.samples) {
		e.samples = e.samples[idx:]
	}
}

func (e *Engine) compute(typ marketdata.OptionType) {
	if len(e.samples) < minWindowSamples {
		return
	}
	oldest := e.samples[0]
	newest := e.samples[len(e.samples)-1]

	underlyingChange := newest.Underlying - oldest.Underlying
	if math.Abs(underlyingChange) < e.minMovement {
		return
	}

	raw := (newest.Option - oldest.Option) / underlyingChange
	if typ == marketdata.Put {
		raw = clamp(raw, -1, 0)
	} else {
		raw = clamp(raw, 0, 1)
	}

	if math.Abs(raw-e.lastValid) > e.maxDeltaJump {
		return
	}

	var next float64
	if len(e.smoothed) == 0 {
		next = raw
	} else {
		prev := e.smoothed[len(e.smoothed)-1]
		next = e.alpha*raw + (1-e.alpha)*prev
	}
	e.smoothed = append(e.smoothed, next)
	if len(e.smoothed) > smoothedHistoryCap {
		e.smoothed = e.smoothed[len(e.smoothed)-smoothedHistoryCap:]
	}

	e.current = next
	e.hasCurr = true
	e.lastValid = next
	metrics.DeltaUpdatesTotal.Inc()
}

func validPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
