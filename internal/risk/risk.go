// Package risk holds the daily guard-rails gating every control-loop cycle.
package risk

// Limits bounds how many entries a session may take and how far the daily
// mark-to-market may drift before the session halts.
type Limits struct {
	MaxTradesPerDay int
	StopLoss        float64 // negative rupee amount
	TakeProfit      float64 // positive rupee amount
}

// Allow reports whether another signal/order cycle may run.
func (l Limits) Allow(tradeCount int, dayM2M float64) bool {
	return tradeCount < l.MaxTradesPerDay && l.StopLoss < dayM2M && dayM2M < l.TakeProfit
}

// Reason names the breached limit for logging; empty when Allow would pass.
func (l Limits) Reason(tradeCount int, dayM2M float64) string {
	switch {
	case tradeCount >= l.MaxTradesPerDay:
		return "max trades per day reached"
	case dayM2M <= l.StopLoss:
		return "daily stop loss breached"
	case dayM2M >= l.TakeProfit:
		return "daily take profit reached"
	default:
		return ""
	}
}
