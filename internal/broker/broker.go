// Package broker handles order and position lifecycle against the brokerage API.
package broker

import (
	"context"
	"math"
	"strings"
)

// Side enumerates order directions using the broker's single-letter codes.
type Side string

const (
	// SideBuy indicates a long order.
	SideBuy Side = "B"
	// SideSell indicates a short order.
	SideSell Side = "S"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Status enumerates broker order states.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusTriggerPending Status = "TRIGGER_PENDING"
	StatusRejected       Status = "REJECTED"
	StatusComplete       Status = "COMPLETE"
	StatusCanceled       Status = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusComplete, StatusCanceled:
		return true
	}
	return false
}

// Price types accepted by the order API.
const (
	PriceTypeMarket     = "MKT"
	PriceTypeLimit      = "LMT"
	PriceTypeStopMkt    = "SL-MKT"
	ProductTypeIntraday = "H"
)

// Bracket leg ordinals.
const (
	// LegPrimary is the entry/take-profit leg of a bracket.
	LegPrimary = 0
	// LegStop is the protective stop-loss leg.
	LegStop = 1
)

// Order is one order-book record, covering entries and bracket legs alike.
type Order struct {
	ID              string
	Exchange        string
	Token           string
	TradingSymbol   string
	Side            Side
	Status          Status
	Qty             int
	FilledQty       int
	LimitPrice      float64
	TriggerPrice    float64
	AvgFillPrice    float64
	TickSize        float64
	LegSequence     int  // LegPrimary or LegStop; meaningful only when Linked
	Linked          bool // true once the order belongs to a filled bracket
	RejectionReason string
}

// Position is the per-instrument P&L view returned by the positions API.
type Position struct {
	Token         string
	UnrealizedPnL float64
	RealizedPnL   float64
}

// Quote carries the last traded price for one instrument.
type Quote struct {
	LTP float64
}

// EntryRequest describes a bracketed market entry: the entry itself plus a
// protective stop distance and a take-profit target.
type EntryRequest struct {
	Exchange      string
	Token         string
	TradingSymbol string
	Side          Side
	Qty           int
	StopLossPrice float64 // distance from entry, in price units
	TargetPrice   float64 // distance from entry, in price units
	Remarks       string
}

// Modification adjusts price or trigger of a working order.
type Modification struct {
	OrderID         string
	Exchange        string
	TradingSymbol   string
	Qty             int
	PriceType       string
	NewPrice        float64
	NewTriggerPrice float64
}

// API is the synchronous round-trip surface the engine drives. Every call
// carries a context deadline; implementations own their retry policy.
type API interface {
	PlaceBracketOrder(ctx context.Context, req EntryRequest) (string, error)
	ModifyOrder(ctx context.Context, mod Modification) error
	CancelOrder(ctx context.Context, orderID string) error
	OrderBook(ctx context.Context) ([]Order, error)
	Positions(ctx context.Context) ([]Position, error)
	Quote(ctx context.Context, exchange, token string) (Quote, error)
	ExitAllPositions(ctx context.Context) error
	AvailableCash(ctx context.Context) (float64, error)
}

// RejectionError is a synchronous order rejection from the API. It is
// recoverable: the engine restarts the signal search instead of halting.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "order rejected: " + e.Reason
}

const marginShortfallPrefix = "RED:Margin Shortfall"

// IsMarginShortfall reports whether a rejection reason indicates the account
// lacked margin for the instrument.
func IsMarginShortfall(reason string) bool {
	return strings.HasPrefix(reason, marginShortfallPrefix)
}

// RoundToTick rounds a price to the nearest valid exchange tick.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}
