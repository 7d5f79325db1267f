// Binary paper runs the full engine against the in-memory paper broker and a
// synthetic depth feed, so the whole loop can be exercised offline.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/config"
	"scalpbot-go/internal/engine"
	"scalpbot-go/internal/feed"
	"scalpbot-go/internal/ledger"
	"scalpbot-go/internal/metrics"
	"scalpbot-go/internal/risk"
	"scalpbot-go/internal/strategy"
	"scalpbot-go/internal/universe"
	"scalpbot-go/internal/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	bootLog := util.NewLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	_ = metrics.Serve(cfg.App.MetricsAddr)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	uni, err := universe.Load(cfg.Universe.Path, universe.Filter{
		StartRow:  cfg.Universe.StartRow,
		ScanCount: cfg.Universe.ScanCount,
		MinPrice:  cfg.Universe.MinPrice,
		MaxPrice:  cfg.Universe.MaxPrice,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("load universe")
	}

	stub := feed.NewStub(250 * time.Millisecond)
	go func() {
		_ = stub.Run(ctx)
	}()

	paper := broker.NewPaper(100000, stub)

	book, err := ledger.Open(cfg.Session.LedgerDir, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("open ledger")
	}
	defer book.Close()

	strat := strategy.NewDepthImbalance(
		cfg.Signal.PressureLowerBound,
		cfg.Signal.PressureUpperBound,
		cfg.Signal.DepthMultiplier,
		log,
	)

	eng := engine.New(log, engine.Params{
		Limits: risk.Limits{
			MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
			StopLoss:        cfg.Risk.StopLoss,
			TakeProfit:      cfg.Risk.TakeProfit,
		},
		TradeSize:      cfg.Risk.TradeSize,
		TrailingStep:   cfg.Risk.TrailingStep,
		SearchInterval: 250 * time.Millisecond,
		PollInterval:   250 * time.Millisecond,
	}, paper, stub, uni, strat, book)

	log.Info().Msg("paper engine started")
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("engine stopped")
	}
	log.Info().Int("trades", eng.TradeCount()).Float64("day_m2m", eng.DayM2M()).Msg("paper session complete")
}
