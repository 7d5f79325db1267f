package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/feed"
	"scalpbot-go/internal/risk"
	"scalpbot-go/internal/strategy"
)

// TestPaperSessionReachesTakeProfit runs a full session against the synthetic
// feed and the paper broker: signal, bracketed entry, supervision, flatten-all
// at the take-profit threshold, then a clean halt at the risk gate.
func TestPaperSessionReachesTakeProfit(t *testing.T) {
	stub := feed.NewStub(5 * time.Millisecond)
	paper := broker.NewPaper(100000, stub)
	uni := testUniverse(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = stub.Run(ctx) }()

	params := Params{
		Limits:          risk.Limits{MaxTradesPerDay: 1, StopLoss: -500, TakeProfit: 0.50},
		TradeSize:       1,
		SearchInterval:  5 * time.Millisecond,
		MaxSearchRounds: 200,
		PollInterval:    5 * time.Millisecond,
		CallTimeout:     time.Second,
	}
	strat := strategy.NewDepthImbalance(0.70, 0.95, 1.5, zerolog.Nop())
	e := New(zerolog.Nop(), params, paper, stub, uni, strat, nil)

	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if e.TradeCount() != 1 {
		t.Fatalf("expected one trade, got %d", e.TradeCount())
	}
	if e.DayM2M() < 0.50 {
		t.Fatalf("session halted below take profit: %.2f", e.DayM2M())
	}

	positions, err := paper.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions returned error: %v", err)
	}
	var realized float64
	for _, pos := range positions {
		if pos.UnrealizedPnL != 0 {
			t.Fatalf("position left open: %+v", pos)
		}
		realized += pos.RealizedPnL
	}
	if realized <= 0 {
		t.Fatalf("expected realized profit, got %.2f", realized)
	}

	orders, err := paper.OrderBook(context.Background())
	if err != nil {
		t.Fatalf("OrderBook returned error: %v", err)
	}
	if len(orders) == 0 {
		t.Fatalf("expected orders in the paper book")
	}
	for _, o := range orders {
		if !o.Status.Terminal() {
			t.Fatalf("working order left behind: %+v", o)
		}
	}

	cash, _ := paper.AvailableCash(context.Background())
	if cash <= 100000 {
		t.Fatalf("expected cash above starting balance, got %.2f", cash)
	}
}
