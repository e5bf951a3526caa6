package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_total", Help: "Trade prints delivered to listeners"},
		[]string{"symbol"},
	)
	TradesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_dropped_total", Help: "Trade prints filtered before delivery"},
		[]string{"symbol", "reason"},
	)
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_total", Help: "Bars delivered to listeners"},
		[]string{"symbol", "granularity"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stream_reconnects_total", Help: "Streaming feed reconnect attempts"},
	)
	PollErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "poll_errors_total", Help: "Failed poll ticks"},
	)
	PollSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "poll_skipped_total", Help: "Poll ticks skipped while a fetch was in flight"},
	)
	DeltaUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delta_updates_total", Help: "Accepted effective-delta updates"},
	)
	FeedLatencySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "feed_latency_seconds", Help: "Receipt-minus-event-time latency of the last message"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		TradesTotal, TradesDroppedTotal, BarsTotal,
		ReconnectsTotal, PollErrorsTotal, PollSkippedTotal,
		DeltaUpdatesTotal, FeedLatencySeconds,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
