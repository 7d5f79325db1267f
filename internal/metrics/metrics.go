package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DepthUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depth_updates_total", Help: "Count of depth snapshots ingested from the feed"},
	)
	DroppedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dropped_frames_total", Help: "Feed messages discarded for missing or malformed fields"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Entry orders submitted"},
		[]string{"symbol", "side"},
	)
	OrderModificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_modifications_total", Help: "Trailing stop/target modifications sent"},
		[]string{"leg"},
	)
	SignalRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "signal_rounds_total", Help: "Depth-imbalance evaluation rounds run"},
	)
	DayM2M = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "day_m2m", Help: "Current session mark-to-market P&L"},
	)
)

func init() {
	prometheus.MustRegister(
		DepthUpdatesTotal,
		DroppedFramesTotal,
		OrdersTotal,
		OrderModificationsTotal,
		SignalRoundsTotal,
		DayM2M,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
