package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/metrics"
	"scalpbot-go/internal/signal"
	"scalpbot-go/internal/strategy"
)

const (
	// stopLossRatio sizes the protective stop distance off the entry price.
	stopLossRatio = 0.0025
	// targetRatio sizes the take-profit distance off the entry price.
	targetRatio = 0.01
	// minStopDistance floors the stop distance at one rupee.
	minStopDistance = 1.00
)

// placeEntry turns the winning pick into a bracketed market entry. On success
// the trade counter advances and the universe is unsubscribed; a rejection
// observed in the order book immediately after placement rolls the counter
// back and returns a KindRejected error so Run searches again.
func (e *Engine) placeEntry(ctx context.Context, pick strategy.Pick) error {
	stock := pick.Stock
	price := pick.LTP

	stopDistance := math.Max(broker.RoundToTick(price*stopLossRatio, stock.TickSize), minStopDistance)
	targetDistance := broker.RoundToTick(price*targetRatio, stock.TickSize)

	side := broker.SideBuy
	if pick.Signal.Direction == signal.Sell {
		side = broker.SideSell
	}
	req := broker.EntryRequest{
		Exchange:      stock.Exchange,
		Token:         stock.Token,
		TradingSymbol: stock.TradingSymbol,
		Side:          side,
		Qty:           e.params.TradeSize,
		StopLossPrice: stopDistance,
		TargetPrice:   targetDistance,
		Remarks:       "scalping trade",
	}

	callCtx, cancel := e.callCtx(ctx)
	orderID, err := e.api.PlaceBracketOrder(callCtx, req)
	cancel()
	if err != nil {
		var rejection *broker.RejectionError
		if errors.As(err, &rejection) && broker.IsMarginShortfall(rejection.Reason) {
			if e.uni.Remove(stock.Token) {
				e.log.Warn().
					Str("token", stock.Token).
					Str("symbol", stock.TradingSymbol).
					Msg("removed instrument after margin shortfall")
			}
		}
		return fmt.Errorf("place entry for %s: %w", stock.TradingSymbol, err)
	}

	e.tradeCount++
	metrics.OrdersTotal.WithLabelValues(stock.TradingSymbol, string(side)).Inc()
	e.log.Info().
		Str("order_id", orderID).
		Str("symbol", stock.TradingSymbol).
		Str("side", string(side)).
		Int("qty", req.Qty).
		Float64("price", price).
		Float64("stop_distance", stopDistance).
		Float64("target_distance", targetDistance).
		Float64("tick_size", stock.TickSize).
		Msg("entry order placed")

	if err := e.feed.Unsubscribe(e.uni.SubscriptionKeys()); err != nil {
		e.log.Warn().Err(err).Msg("failed to unsubscribe universe")
	}
	e.subscribed = false

	return e.checkImmediateRejection(ctx, orderID)
}

// checkImmediateRejection inspects the order book right after placement. When
// every record is already terminal the entry never became a position: margin
// shortfall tokens leave the universe, the trade counter rolls back, and the
// caller re-evaluates.
func (e *Engine) checkImmediateRejection(ctx context.Context, orderID string) error {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	orders, err := e.api.OrderBook(callCtx)
	if err != nil {
		// transient: supervision will see the real state next cycle
		e.log.Warn().Err(err).Msg("order book poll failed after entry")
		return nil
	}
	if len(orders) == 0 || !allTerminal(orders) {
		return nil
	}

	for _, o := range orders {
		if o.Status == broker.StatusRejected && broker.IsMarginShortfall(o.RejectionReason) {
			if e.uni.Remove(o.Token) {
				e.log.Warn().
					Str("token", o.Token).
					Str("symbol", o.TradingSymbol).
					Msg("removed instrument after margin shortfall")
			}
		}
	}
	e.tradeCount--
	return Rejected(fmt.Errorf("entry order %s rejected", orderID))
}

func allTerminal(orders []broker.Order) bool {
	for _, o := range orders {
		if !o.Status.Terminal() {
			return false
		}
	}
	return true
}
