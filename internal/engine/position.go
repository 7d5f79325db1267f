package engine

import (
	"context"
	"time"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/metrics"
)

// staleDrift is how far price must run away from a resting entry, as a
// fraction of its limit price, before the order is canceled.
const staleDrift = 0.005

type superviseOutcome int

const (
	// outcomeDone means every leg reached a terminal status.
	outcomeDone superviseOutcome = iota
	// outcomeResearch means a stale entry was canceled and a fresh signal
	// search should run.
	outcomeResearch
)

// supervise polls positions and the order book each cycle, trailing the
// protective and take-profit legs, until every leg is terminal or a stale
// entry forces a new signal search. Transient poll failures skip the cycle.
func (e *Engine) supervise(ctx context.Context) (superviseOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return outcomeDone, err
		}
		e.pollPnL(ctx)

		callCtx, cancel := e.callCtx(ctx)
		orders, err := e.api.OrderBook(callCtx)
		cancel()
		if err != nil {
			e.log.Warn().Err(err).Msg("order book poll failed, retrying next cycle")
			if err := e.sleepCycle(ctx); err != nil {
				return outcomeDone, err
			}
			continue
		}

		for _, order := range orders {
			if order.Status.Terminal() {
				continue
			}
			research, err := e.superviseLeg(ctx, order)
			if err != nil {
				e.log.Warn().Err(err).Str("order_id", order.ID).Msg("leg supervision failed, skipping")
				continue
			}
			if research {
				return outcomeResearch, nil
			}
		}

		if allTerminal(orders) {
			e.log.Info().Msg("no open orders remain, returning to risk gate")
			return outcomeDone, nil
		}
		if err := e.sleepCycle(ctx); err != nil {
			return outcomeDone, err
		}
	}
}

// pollPnL recomputes the session mark-to-market, appends a ledger sample, and
// issues the single flatten-all call once the take-profit threshold is hit.
func (e *Engine) pollPnL(ctx context.Context) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	positions, err := e.api.Positions(callCtx)
	if err != nil {
		e.log.Warn().Err(err).Msg("positions poll failed, retrying next cycle")
		return
	}

	var unrealized, realized float64
	for _, p := range positions {
		unrealized += p.UnrealizedPnL
		realized += p.RealizedPnL
	}
	e.dayM2M = round2(unrealized + realized)
	metrics.DayM2M.Set(e.dayM2M)
	e.log.Info().Float64("day_m2m", e.dayM2M).Msg("daily mark-to-market")

	if e.book != nil {
		if err := e.book.Append(e.now(), e.dayM2M); err != nil {
			e.log.Error().Err(err).Msg("failed to append ledger sample")
		}
	}

	if e.dayM2M > e.params.Limits.TakeProfit && !e.flattened {
		e.log.Info().Float64("day_m2m", e.dayM2M).Msg("take profit target reached, closing all positions")
		if err := e.api.ExitAllPositions(callCtx); err != nil {
			e.log.Error().Err(err).Msg("flatten-all failed, retrying next cycle")
			return
		}
		e.flattened = true
	}
}

// superviseLeg applies the transition rule matching one working order: trail
// the stop leg, trail the take-profit leg, or cancel a stale resting entry.
func (e *Engine) superviseLeg(ctx context.Context, order broker.Order) (bool, error) {
	tick := order.TickSize
	if tick <= 0 {
		tick = 0.05
	}

	switch {
	case order.Linked && order.LegSequence == broker.LegStop && order.Status == broker.StatusTriggerPending:
		return false, e.trailStop(ctx, order, tick)
	case order.Linked && order.LegSequence == broker.LegPrimary && order.Status == broker.StatusOpen:
		return false, e.trailTarget(ctx, order, tick)
	case !order.Linked && order.Status == broker.StatusOpen:
		return e.cancelIfStale(ctx, order)
	}
	return false, nil
}

// trailStop tightens the protective trigger in the profit-favorable direction
// only: Buy-side triggers may only decrease, Sell-side only increase.
func (e *Engine) trailStop(ctx context.Context, order broker.Order, tick float64) error {
	ltp, err := e.quote(ctx, order)
	if err != nil {
		return err
	}

	step := e.params.TrailingStep
	var newTrigger float64
	var favorable bool
	if order.Side == broker.SideBuy {
		newTrigger = broker.RoundToTick(ltp*(1+step), tick)
		favorable = newTrigger < round2(order.TriggerPrice)
	} else {
		newTrigger = broker.RoundToTick(ltp*(1-step), tick)
		favorable = newTrigger > round2(order.TriggerPrice)
	}
	if !favorable {
		return nil
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	err = e.api.ModifyOrder(callCtx, broker.Modification{
		OrderID:         order.ID,
		Exchange:        order.Exchange,
		TradingSymbol:   order.TradingSymbol,
		Qty:             order.Qty,
		PriceType:       broker.PriceTypeStopMkt,
		NewTriggerPrice: round2(newTrigger),
	})
	if err != nil {
		return err
	}
	metrics.OrderModificationsTotal.WithLabelValues("stop").Inc()
	e.log.Info().
		Str("order_id", order.ID).
		Str("side", string(order.Side)).
		Float64("trigger", round2(newTrigger)).
		Msg("trailed stop leg")
	return nil
}

// trailTarget adjusts the take-profit limit. The Buy-side rule fires only
// when the recomputed target is below the current limit; kept exactly as the
// production strategy runs it.
func (e *Engine) trailTarget(ctx context.Context, order broker.Order, tick float64) error {
	ltp, err := e.quote(ctx, order)
	if err != nil {
		return err
	}

	step := e.params.TrailingStep
	var newTarget float64
	var favorable bool
	if order.Side == broker.SideBuy {
		newTarget = broker.RoundToTick(ltp*(1+step), tick)
		favorable = newTarget < round2(order.LimitPrice)
	} else {
		newTarget = broker.RoundToTick(ltp*(1-step), tick)
		favorable = newTarget > round2(order.LimitPrice)
	}
	if !favorable {
		return nil
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	err = e.api.ModifyOrder(callCtx, broker.Modification{
		OrderID:       order.ID,
		Exchange:      order.Exchange,
		TradingSymbol: order.TradingSymbol,
		Qty:           order.Qty,
		PriceType:     broker.PriceTypeLimit,
		NewPrice:      newTarget,
	})
	if err != nil {
		return err
	}
	metrics.OrderModificationsTotal.WithLabelValues("target").Inc()
	e.log.Info().
		Str("order_id", order.ID).
		Str("side", string(order.Side)).
		Float64("target", newTarget).
		Msg("trailed take-profit leg")
	return nil
}

// cancelIfStale cancels a resting entry once price has run more than
// staleDrift away from its limit, rolls back the trade counter, and requests
// one fresh signal-search cycle.
func (e *Engine) cancelIfStale(ctx context.Context, order broker.Order) (bool, error) {
	ltp, err := e.quote(ctx, order)
	if err != nil {
		return false, err
	}

	stale := false
	if order.Side == broker.SideBuy {
		stale = order.LimitPrice*(1+staleDrift) < ltp
	} else {
		stale = order.LimitPrice*(1-staleDrift) > ltp
	}
	if !stale {
		return false, nil
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	if err := e.api.CancelOrder(callCtx, order.ID); err != nil {
		return false, err
	}
	e.tradeCount--
	e.log.Info().
		Str("order_id", order.ID).
		Str("side", string(order.Side)).
		Float64("limit", order.LimitPrice).
		Float64("ltp", ltp).
		Msg("canceled stale unfilled order")
	return true, nil
}

func (e *Engine) quote(ctx context.Context, order broker.Order) (float64, error) {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	q, err := e.api.Quote(callCtx, order.Exchange, order.Token)
	if err != nil {
		return 0, err
	}
	return q.LTP, nil
}

func (e *Engine) sleepCycle(ctx context.Context) error {
	select {
	case <-time.After(e.params.PollInterval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
