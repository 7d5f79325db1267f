package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"scalpbot-go/internal/signal"
)

// MarkSource supplies last traded prices for paper fills, typically the feed
// ingestor's snapshot store.
type MarkSource interface {
	Snapshot(token string) (signal.DepthSnapshot, bool)
}

type paperPosition struct {
	Qty     int // signed; negative is short
	AvgCost float64
}

// Paper is an in-memory broker for offline runs and tests. Entries fill
// immediately at the current mark and spawn the two bracket legs the live
// order book would show.
type Paper struct {
	mu        sync.Mutex
	cash      float64
	realized  float64
	source    MarkSource
	marks     map[string]float64
	positions map[string]paperPosition
	orders    map[string]*Order
	sequence  []string // order ids in placement order
}

// NewPaper builds a paper broker with starting cash. source may be nil when
// marks are injected via SetMark.
func NewPaper(startingCash float64, source MarkSource) *Paper {
	return &Paper{
		cash:      startingCash,
		source:    source,
		marks:     make(map[string]float64),
		positions: make(map[string]paperPosition),
		orders:    make(map[string]*Order),
	}
}

// SetMark overrides the last traded price for a token.
func (p *Paper) SetMark(token string, price float64) {
	p.mu.Lock()
	p.marks[token] = price
	p.mu.Unlock()
}

func (p *Paper) mark(token string) (float64, bool) {
	if px, ok := p.marks[token]; ok {
		return px, true
	}
	if p.source != nil {
		if snap, ok := p.source.Snapshot(token); ok {
			return snap.LTP, true
		}
	}
	return 0, false
}

// PlaceBracketOrder fills a market entry at the current mark and books the
// protective stop and take-profit legs.
func (p *Paper) PlaceBracketOrder(ctx context.Context, req EntryRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.mark(req.Token)
	if !ok || price <= 0 {
		return "", fmt.Errorf("no mark price for token %s", req.Token)
	}
	notional := price * float64(req.Qty)
	if req.Side == SideBuy && notional > p.cash {
		return "", &RejectionError{Reason: "RED:Margin Shortfall: insufficient cash"}
	}

	entryID := uuid.NewString()
	entry := &Order{
		ID:            entryID,
		Exchange:      req.Exchange,
		Token:         req.Token,
		TradingSymbol: req.TradingSymbol,
		Side:          req.Side,
		Status:        StatusComplete,
		Qty:           req.Qty,
		FilledQty:     req.Qty,
		AvgFillPrice:  price,
	}
	p.record(entry)

	pos := p.positions[req.Token]
	if req.Side == SideBuy {
		p.cash -= notional
		pos = applyFill(pos, req.Qty, price)
	} else {
		p.cash += notional
		pos = applyFill(pos, -req.Qty, price)
	}
	p.positions[req.Token] = pos

	stopTrigger := price - req.StopLossPrice
	targetLimit := price + req.TargetPrice
	legSide := req.Side.Opposite()
	if req.Side == SideSell {
		stopTrigger = price + req.StopLossPrice
		targetLimit = price - req.TargetPrice
	}

	p.record(&Order{
		ID:            uuid.NewString(),
		Exchange:      req.Exchange,
		Token:         req.Token,
		TradingSymbol: req.TradingSymbol,
		Side:          legSide,
		Status:        StatusTriggerPending,
		Qty:           req.Qty,
		TriggerPrice:  stopTrigger,
		LegSequence:   LegStop,
		Linked:        true,
	})
	p.record(&Order{
		ID:            uuid.NewString(),
		Exchange:      req.Exchange,
		Token:         req.Token,
		TradingSymbol: req.TradingSymbol,
		Side:          legSide,
		Status:        StatusOpen,
		Qty:           req.Qty,
		LimitPrice:    targetLimit,
		LegSequence:   LegPrimary,
		Linked:        true,
	})
	return entryID, nil
}

func applyFill(pos paperPosition, qty int, price float64) paperPosition {
	newQty := pos.Qty + qty
	if pos.Qty == 0 || (pos.Qty > 0) == (qty > 0) {
		total := pos.AvgCost*float64(abs(pos.Qty)) + price*float64(abs(qty))
		pos.AvgCost = total / float64(abs(newQty))
	}
	pos.Qty = newQty
	if pos.Qty == 0 {
		pos.AvgCost = 0
	}
	return pos
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (p *Paper) record(o *Order) {
	p.orders[o.ID] = o
	p.sequence = append(p.sequence, o.ID)
}

// ModifyOrder updates the working price or trigger of a leg.
func (p *Paper) ModifyOrder(ctx context.Context, mod Modification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[mod.OrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", mod.OrderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %s already %s", mod.OrderID, order.Status)
	}
	if mod.NewTriggerPrice > 0 {
		order.TriggerPrice = mod.NewTriggerPrice
	}
	if mod.NewPrice > 0 {
		order.LimitPrice = mod.NewPrice
	}
	return nil
}

// CancelOrder marks a working order canceled.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, order.Status)
	}
	order.Status = StatusCanceled
	return nil
}

// SetOrderStatus forces a status transition; tests drive fills and rejections
// through this.
func (p *Paper) SetOrderStatus(orderID string, status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if order, ok := p.orders[orderID]; ok {
		order.Status = status
	}
}

// OrderBook returns all orders in placement order.
func (p *Paper) OrderBook(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, 0, len(p.sequence))
	for _, id := range p.sequence {
		out = append(out, *p.orders[id])
	}
	return out, nil
}

// Positions reports per-token unrealized P&L at current marks plus realized.
func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions)+1)
	first := true
	for token, pos := range p.positions {
		mark, ok := p.mark(token)
		var unrealized float64
		if ok && pos.Qty != 0 {
			unrealized = (mark - pos.AvgCost) * float64(pos.Qty)
		}
		entry := Position{Token: token, UnrealizedPnL: unrealized}
		if first {
			// session-level realized P&L reported once
			entry.RealizedPnL = p.realized
			first = false
		}
		out = append(out, entry)
	}
	if first && p.realized != 0 {
		out = append(out, Position{RealizedPnL: p.realized})
	}
	return out, nil
}

// ExitAllPositions flattens every position at the current mark and cancels the
// remaining working legs.
func (p *Paper) ExitAllPositions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for token, pos := range p.positions {
		if pos.Qty == 0 {
			continue
		}
		mark, ok := p.mark(token)
		if !ok {
			continue
		}
		p.realized += (mark - pos.AvgCost) * float64(pos.Qty)
		if pos.Qty > 0 {
			p.cash += mark * float64(pos.Qty)
		} else {
			p.cash -= mark * float64(-pos.Qty)
		}
		p.positions[token] = paperPosition{}
	}
	for _, id := range p.sequence {
		if order := p.orders[id]; !order.Status.Terminal() {
			order.Status = StatusCanceled
		}
	}
	return nil
}

// Quote returns the current mark for a token.
func (p *Paper) Quote(ctx context.Context, exchange, token string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.mark(token)
	if !ok {
		return Quote{}, fmt.Errorf("no mark price for token %s", token)
	}
	return Quote{LTP: price}, nil
}

// AvailableCash reports free cash.
func (p *Paper) AvailableCash(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}
