package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

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

	_ = godotenv.Load()

	bootLog := util.NewLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}

	if err := os.MkdirAll(cfg.Session.LedgerDir, 0o755); err != nil {
		bootLog.Fatal().Err(err).Msg("create session dir")
	}
	logPath := filepath.Join(cfg.Session.LedgerDir, time.Now().Format("020106")+"_logfile.log")
	log, logFile, err := util.NewFileLogger(cfg.App.LogLevel, logPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("open log file")
	}
	defer logFile.Close()

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

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
	log.Info().Int("candidates", uni.Len()).Msg("universe loaded")

	creds, err := broker.CredentialsFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("broker credentials")
	}
	client := broker.NewClient(cfg.Broker.BaseURL, creds, log,
		broker.WithTimeout(cfg.Broker.OrderTimeout()),
		broker.WithMaxRetries(cfg.Broker.MaxCallRetries),
		broker.WithRateLimit(cfg.Broker.RateLimitPerSec),
	)

	ingestor := feed.New(cfg.Broker.WebsocketURL, log, feed.WithMaxReconnects(cfg.Broker.MaxReconnects))
	go func() {
		if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("depth feed stopped")
			cancel()
		}
	}()

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
		TradeSize:       cfg.Risk.TradeSize,
		TrailingStep:    cfg.Risk.TrailingStep,
		SearchInterval:  time.Duration(cfg.Signal.RetryIntervalMs) * time.Millisecond,
		MaxSearchRounds: cfg.Signal.MaxSearchRounds,
		PollInterval:    cfg.Session.PollInterval(),
		CallTimeout:     cfg.Broker.OrderTimeout(),
		MarketOpen:      cfg.Session.MarketOpen,
	}, client, ingestor, uni, strat, book)

	log.Info().Str("name", cfg.App.Name).Msg("scalping engine started")
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("engine stopped")
	}
	log.Info().Int("trades", eng.TradeCount()).Float64("day_m2m", eng.DayM2M()).Msg("session complete")
}
