// Package signal standardizes payloads shared between feed ingestion and strategy layers.
package signal

// Direction expresses the side of a trading signal.
type Direction int

const (
	// None means no actionable imbalance was detected.
	None Direction = iota
	// Buy indicates dominant buying pressure.
	Buy
	// Sell indicates dominant selling pressure.
	Sell
)

// String returns the single-letter broker code for the direction.
func (d Direction) String() string {
	switch d {
	case Buy:
		return "B"
	case Sell:
		return "S"
	default:
		return "-"
	}
}

// DepthLevels is the number of resting levels carried per side of the book.
const DepthLevels = 5

// DepthSnapshot models the latest market depth state for one instrument token.
// It is overwritten wholesale on every feed update for that token.
type DepthSnapshot struct {
	Token        string
	LTP          float64
	TotalBuyQty  int64
	TotalSellQty int64
	BuyDepth     [DepthLevels]int64
	SellDepth    [DepthLevels]int64
}

// Top5Buy sums the resting buy quantity across all carried depth levels.
func (s DepthSnapshot) Top5Buy() int64 {
	var total int64
	for _, q := range s.BuyDepth {
		total += q
	}
	return total
}

// Top5Sell sums the resting sell quantity across all carried depth levels.
func (s DepthSnapshot) Top5Sell() int64 {
	var total int64
	for _, q := range s.SellDepth {
		total += q
	}
	return total
}

// Signal expresses a directional bias produced for one instrument.
type Signal struct {
	Token     string
	Direction Direction
	Strength  float64 // dominant pressure ratio in [0,1]
}
