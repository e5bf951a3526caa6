package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"deltafeed-go/internal/config"
	"deltafeed-go/internal/delta"
	"deltafeed-go/internal/marketdata"
	"deltafeed-go/internal/metrics"
	"deltafeed-go/internal/poller"
	"deltafeed-go/internal/stream"
	"deltafeed-go/internal/util"
)

// pipeline feeds underlying/option price pairs from feed callbacks into the
// delta engine and arms the polling fallback on terminal stream failure.
type pipeline struct {
	log        zerolog.Logger
	engine     *delta.Engine
	underlying string
	option     string
	optionType marketdata.OptionType

	mu           sync.Mutex
	underlyingPx float64
	optionPx     float64

	fallback     func()
	fallbackOnce sync.Once
}

func (p *pipeline) observe(symbol string, price float64) {
	p.mu.Lock()
	switch symbol {
	case p.underlying:
		p.underlyingPx = price
	case p.option:
		p.optionPx = price
	}
	u, o := p.underlyingPx, p.optionPx
	p.mu.Unlock()

	if u > 0 && o > 0 {
		p.engine.AddSample(u, o, p.optionType)
	}
}

func (p *pipeline) OnTrade(symbol string, price float64, meta marketdata.TradeMeta) {
	p.log.Debug().Str("sym", symbol).Float64("px", price).Dur("latency", meta.Latency).Msg("trade")
	p.observe(symbol, price)
}

func (p *pipeline) OnSecondBar(symbol string, bar marketdata.Bar) {
	p.observe(symbol, bar.Close)
}

func (p *pipeline) OnMinuteBar(symbol string, bar marketdata.Bar) {
	p.log.Debug().Str("sym", symbol).Time("start", bar.StartTime).Float64("close", bar.Close).Msg("minute bar")
	p.observe(symbol, bar.Close)
}

func (p *pipeline) OnConnected() {
	p.log.Info().Msg("stream connected")
}

func (p *pipeline) OnDisconnected(reason string) {
	p.log.Warn().Str("reason", reason).Msg("stream disconnected")
}

func (p *pipeline) OnError(err error) {
	p.log.Error().Err(err).Msg("stream error")
	if errors.Is(err, stream.ErrReconnectExhausted) && p.fallback != nil {
		p.fallbackOnce.Do(p.fallback)
	}
}

// pollHooks adapts poll session events onto the same pipeline.
type pollHooks struct {
	pipe *pipeline
}

func (h pollHooks) OnInitialLoad(bars []marketdata.Bar) {
	h.pipe.log.Info().Int("bars", len(bars)).Msg("historical bootstrap loaded")
	if len(bars) > 0 {
		last := bars[len(bars)-1]
		h.pipe.observe(last.Symbol, last.Close)
	}
}

func (h pollHooks) OnMinuteBar(symbol string, bar marketdata.Bar) {
	h.pipe.OnMinuteBar(symbol, bar)
}

func (h pollHooks) OnConnected() {
	h.pipe.log.Info().Msg("poll fallback running")
}

func (h pollHooks) OnDisconnected(reason string) {
	h.pipe.log.Warn().Str("reason", reason).Msg("poll fallback stopped")
}

func (h pollHooks) OnError(err error) {
	h.pipe.log.Error().Err(err).Msg("poll fallback error")
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := util.NewLogger("info")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine := delta.NewEngine(
		delta.WithWindow(time.Duration(cfg.Delta.WindowMs)*time.Millisecond),
		delta.WithMinMovement(cfg.Delta.MinMovement),
		delta.WithMaxDeltaJump(cfg.Delta.MaxDeltaJump),
		delta.WithAlpha(cfg.Delta.Alpha),
	)

	optionType := marketdata.Call
	if cfg.Feed.OptionType == string(marketdata.Put) {
		optionType = marketdata.Put
	}

	pipe := &pipeline{
		log:        log,
		engine:     engine,
		underlying: cfg.Feed.Underlying,
		option:     cfg.Feed.Option,
		optionType: optionType,
	}

	client := stream.NewClient(
		stream.Config{URL: cfg.Feed.URL, Key: cfg.Feed.APIKey, Secret: cfg.Feed.APISecret},
		pipe,
		log,
	)

	source := poller.NewRESTSource(cfg.Poller.BaseURL, cfg.Feed.APIKey, cfg.Feed.APISecret)
	fallback := poller.New(source, pollHooks{pipe: pipe}, log,
		poller.WithInterval(time.Duration(cfg.Poller.IntervalMs)*time.Millisecond),
		poller.WithHistoryCount(cfg.Poller.HistoryBars),
		poller.WithErrorThreshold(cfg.Poller.ErrorThreshold),
	)
	pipe.fallback = func() {
		log.Warn().Msg("stream exhausted, switching to poll fallback")
		if err := fallback.Start(cfg.Feed.Underlying, cfg.Feed.Underlying, true); err != nil {
			log.Error().Err(err).Msg("poll fallback failed to start")
		}
	}

	if err := client.Connect(); err != nil {
		log.Fatal().Err(err).Msg("stream connect")
	}
	client.Subscribe(cfg.Feed.Underlying)
	client.Subscribe(cfg.Feed.Option)

	log.Info().Str("underlying", cfg.Feed.Underlying).Str("option", cfg.Feed.Option).Msg("watcher started")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			client.Disconnect()
			fallback.Stop("shutting down")
			return
		case <-ticker.C:
			st := engine.GetStatus()
			log.Info().
				Float64("delta", st.Delta).
				Bool("live", st.Live).
				Int("samples", st.SampleCount).
				Dur("feed_latency", client.GetStatus().Latency).
				Msg("effective delta")
		}
	}
}
