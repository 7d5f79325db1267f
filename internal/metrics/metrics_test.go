package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistersMetrics(t *testing.T) {
	DepthUpdatesTotal.Inc()
	OrdersTotal.WithLabelValues("ACC-EQ", "B").Inc()
	OrderModificationsTotal.WithLabelValues("stop").Inc()
	SignalRoundsTotal.Inc()
	DayM2M.Set(125.5)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range []string{
		"depth_updates_total",
		"dropped_frames_total",
		"orders_total",
		"order_modifications_total",
		"signal_rounds_total",
		"day_m2m",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
