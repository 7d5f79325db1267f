// Package strategy contains trading signal generation logic wired into depth snapshots.
package strategy

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/signal"
	"scalpbot-go/internal/universe"
)

// SnapshotSource supplies the latest depth snapshot per token.
type SnapshotSource interface {
	Snapshot(token string) (signal.DepthSnapshot, bool)
}

// DepthImbalance classifies instruments by order-book pressure: one side must
// hold a dominant share of total quantity inside a band, confirmed by the
// resting top-5 depth outweighing the other side.
type DepthImbalance struct {
	lower      float64
	upper      float64
	multiplier float64
	log        zerolog.Logger
}

// NewDepthImbalance builds a scorer; zero parameters fall back to defaults.
func NewDepthImbalance(lower, upper, multiplier float64, log zerolog.Logger) *DepthImbalance {
	if lower <= 0 {
		lower = 0.70
	}
	if upper <= 0 || upper <= lower {
		upper = 0.95
	}
	if multiplier <= 0 {
		multiplier = 1.50
	}
	return &DepthImbalance{lower: lower, upper: upper, multiplier: multiplier, log: log}
}

// Name returns the identifier for the strategy implementation.
func (s *DepthImbalance) Name() string { return "DepthImbalance" }

// Score classifies a single snapshot. A book with zero total quantity has an
// undefined pressure ratio and scores None.
func (s *DepthImbalance) Score(snap signal.DepthSnapshot) signal.Signal {
	out := signal.Signal{Token: snap.Token, Direction: signal.None}

	total := snap.TotalBuyQty + snap.TotalSellQty
	if total == 0 {
		return out
	}

	buyPressure := round2(float64(snap.TotalBuyQty) / float64(total))
	sellPressure := round2(float64(snap.TotalSellQty) / float64(total))
	top5Buy := float64(snap.Top5Buy())
	top5Sell := float64(snap.Top5Sell())

	switch {
	case s.upper > buyPressure && buyPressure > s.lower && top5Buy > top5Sell*s.multiplier:
		out.Direction = signal.Buy
		out.Strength = buyPressure
	case s.upper > sellPressure && sellPressure > s.lower && top5Sell > top5Buy*s.multiplier:
		out.Direction = signal.Sell
		out.Strength = sellPressure
	}
	return out
}

// Pick is the winning candidate of one evaluation round.
type Pick struct {
	Stock  universe.Stock
	Signal signal.Signal
	LTP    float64
}

// Evaluate scores every candidate with an available snapshot, ranks by
// strength descending, and returns the strongest directional pick. The second
// return is false when no candidate produced a signal; the caller retries
// through its own bounded loop.
func (s *DepthImbalance) Evaluate(stocks []universe.Stock, src SnapshotSource) (Pick, bool) {
	picks := make([]Pick, 0, len(stocks))
	for _, stock := range stocks {
		snap, ok := src.Snapshot(stock.Token)
		if !ok {
			continue
		}
		sig := s.Score(snap)
		ltp := round2(snap.LTP)
		s.log.Debug().
			Str("token", stock.Token).
			Str("symbol", stock.TradingSymbol).
			Float64("ltp", ltp).
			Str("direction", sig.Direction.String()).
			Float64("strength", sig.Strength).
			Msg("evaluated candidate")
		if sig.Direction == signal.None {
			continue
		}
		picks = append(picks, Pick{Stock: stock, Signal: sig, LTP: ltp})
	}
	if len(picks) == 0 {
		return Pick{}, false
	}

	sort.SliceStable(picks, func(i, j int) bool {
		return picks[i].Signal.Strength > picks[j].Signal.Strength
	})
	return picks[0], true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
