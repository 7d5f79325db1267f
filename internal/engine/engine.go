// Package engine runs the signal, order, and position control loop for one
// trading session.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/ledger"
	"scalpbot-go/internal/metrics"
	"scalpbot-go/internal/risk"
	"scalpbot-go/internal/signal"
	"scalpbot-go/internal/strategy"
	"scalpbot-go/internal/universe"
)

// Feed is the market-data surface the engine needs: connection readiness,
// subscription control, and the latest snapshot per token.
type Feed interface {
	WaitOpen(ctx context.Context) error
	Subscribe(keys []string) error
	Unsubscribe(keys []string) error
	Snapshot(token string) (signal.DepthSnapshot, bool)
}

// Params bundles the tunable knobs of one session.
type Params struct {
	Limits           risk.Limits
	TradeSize        int
	TrailingStep     float64
	SearchInterval   time.Duration
	MaxSearchRounds  int
	MaxEntryAttempts int
	PollInterval     time.Duration
	CallTimeout      time.Duration
	MarketOpen       string // HH:MM:SS wall clock; empty disables the gate
}

func (p Params) withDefaults() Params {
	if p.TradeSize <= 0 {
		p.TradeSize = 1
	}
	if p.TrailingStep <= 0 {
		p.TrailingStep = 0.0025
	}
	if p.SearchInterval <= 0 {
		p.SearchInterval = time.Second
	}
	if p.MaxSearchRounds <= 0 {
		p.MaxSearchRounds = 600
	}
	if p.MaxEntryAttempts <= 0 {
		p.MaxEntryAttempts = 5
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 10 * time.Second
	}
	return p
}

// Engine owns all mutable session state: the trade counter, the day P&L
// accumulator, and the flatten-once flag. It runs on a single goroutine; the
// feed ingestor is the only concurrent collaborator and is reached solely
// through the Feed interface.
type Engine struct {
	log    zerolog.Logger
	params Params
	api    broker.API
	feed   Feed
	uni    *universe.Universe
	strat  *strategy.DepthImbalance
	book   *ledger.Ledger

	tradeCount int
	dayM2M     float64
	flattened  bool
	subscribed bool

	now func() time.Time
}

// New wires an engine from its collaborators.
func New(log zerolog.Logger, params Params, api broker.API, feed Feed, uni *universe.Universe, strat *strategy.DepthImbalance, book *ledger.Ledger) *Engine {
	return &Engine{
		log:    log,
		params: params.withDefaults(),
		api:    api,
		feed:   feed,
		uni:    uni,
		strat:  strat,
		book:   book,
		now:    time.Now,
	}
}

// TradeCount reports entries taken so far this session.
func (e *Engine) TradeCount() int { return e.tradeCount }

// DayM2M reports the last computed session mark-to-market.
func (e *Engine) DayM2M() float64 { return e.dayM2M }

// Run drives the session to completion: wait for the feed, subscribe the
// universe, then loop signal → entry → supervision until a risk limit halts
// the day. A halt never interrupts an in-flight broker call; it is only
// checked between cycles.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.waitMarketOpen(ctx); err != nil {
		return err
	}
	if err := e.feed.WaitOpen(ctx); err != nil {
		return fmt.Errorf("feed never opened: %w", err)
	}
	e.logBalance(ctx)

	entryAttempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.params.Limits.Allow(e.tradeCount, e.dayM2M) {
			e.log.Info().
				Int("trade_count", e.tradeCount).
				Float64("day_m2m", e.dayM2M).
				Str("reason", e.params.Limits.Reason(e.tradeCount, e.dayM2M)).
				Msg("risk gate closed, ending session")
			return nil
		}

		pick, err := e.findSignal(ctx)
		if err != nil {
			return err
		}

		if err := e.placeEntry(ctx, pick); err != nil {
			kind := Classify(err)
			if kind == KindFatal {
				return err
			}
			entryAttempts++
			e.log.Warn().Err(err).
				Str("kind", kind.String()).
				Int("attempt", entryAttempts).
				Msg("entry failed, searching again")
			if entryAttempts >= e.params.MaxEntryAttempts {
				return Fatal(fmt.Errorf("entry attempts exhausted: %w", err))
			}
			continue
		}
		entryAttempts = 0

		outcome, err := e.supervise(ctx)
		if err != nil {
			if Classify(err) == KindFatal || ctx.Err() != nil {
				return err
			}
			e.log.Warn().Err(err).Msg("supervision ended with recoverable error")
		}
		if outcome == outcomeResearch {
			e.log.Info().Msg("order canceled as stale, searching for a new signal")
		}
	}
}

// findSignal evaluates the universe every SearchInterval until a directional
// pick appears, bounded by MaxSearchRounds.
func (e *Engine) findSignal(ctx context.Context) (strategy.Pick, error) {
	for round := 0; round < e.params.MaxSearchRounds; round++ {
		if err := ctx.Err(); err != nil {
			return strategy.Pick{}, err
		}
		// a subscribe failure here is transient (feed mid-reconnect);
		// retry within the bounded loop instead of ending the session
		if err := e.ensureSubscribed(ctx); err != nil {
			if ctx.Err() != nil {
				return strategy.Pick{}, err
			}
			e.log.Warn().Err(err).Msg("universe subscription failed, retrying")
			if err := e.sleepSearch(ctx); err != nil {
				return strategy.Pick{}, err
			}
			continue
		}
		metrics.SignalRoundsTotal.Inc()
		pick, ok := e.strat.Evaluate(e.uni.Stocks(), e.feed)
		if ok {
			e.log.Info().
				Str("symbol", pick.Stock.TradingSymbol).
				Str("direction", pick.Signal.Direction.String()).
				Float64("strength", pick.Signal.Strength).
				Float64("ltp", pick.LTP).
				Msg("signal selected")
			return pick, nil
		}
		e.log.Debug().Int("round", round+1).Msg("no trading signal detected, retrying")
		if err := e.sleepSearch(ctx); err != nil {
			return strategy.Pick{}, err
		}
	}
	return strategy.Pick{}, Fatal(fmt.Errorf("no signal after %d evaluation rounds", e.params.MaxSearchRounds))
}

func (e *Engine) ensureSubscribed(ctx context.Context) error {
	if e.subscribed {
		return nil
	}
	// subscriptions are only legal once the connection is open
	if err := e.feed.WaitOpen(ctx); err != nil {
		return err
	}
	keys := e.uni.SubscriptionKeys()
	if err := e.feed.Subscribe(keys); err != nil {
		return fmt.Errorf("subscribe universe: %w", err)
	}
	e.subscribed = true
	e.log.Info().Int("instruments", len(keys)).Msg("subscribed universe for depth updates")
	return nil
}

func (e *Engine) sleepSearch(ctx context.Context) error {
	select {
	case <-time.After(e.params.SearchInterval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) waitMarketOpen(ctx context.Context) error {
	if e.params.MarketOpen == "" {
		return nil
	}
	if _, err := time.Parse("15:04:05", e.params.MarketOpen); err != nil {
		e.log.Warn().Str("market_open", e.params.MarketOpen).Msg("unparseable market open time, skipping gate")
		return nil
	}
	logged := false
	for e.now().Format("15:04:05") < e.params.MarketOpen {
		if !logged {
			e.log.Info().Str("until", e.params.MarketOpen).Msg("waiting for market open")
			logged = true
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) logBalance(ctx context.Context) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	cash, err := e.api.AvailableCash(callCtx)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to retrieve cash balance")
		return
	}
	e.log.Info().Float64("cash", cash).Msg("available cash balance")
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.params.CallTimeout)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
