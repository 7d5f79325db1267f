// Package universe loads and filters the candidate instrument list for a session.
package universe

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Stock describes one tradable candidate loaded from the universe file.
// LTP, Direction, and Strength are recomputed every evaluation cycle and
// never written back to disk.
type Stock struct {
	Exchange      string
	Token         string
	TradingSymbol string
	TickSize      float64
	LTP           float64
}

// SubscriptionKey returns the feed key in EXCHANGE|TOKEN form.
func (s Stock) SubscriptionKey() string {
	return s.Exchange + "|" + s.Token
}

// Filter bounds which rows of the universe file become candidates.
type Filter struct {
	StartRow  int     // 1-based data row to start from (header excluded)
	ScanCount int     // number of rows to consider; 0 means all
	MinPrice  float64 // inclusive lower last-price bound
	MaxPrice  float64 // inclusive upper last-price bound
}

// Universe holds the session's candidate set. The control loop is the sole
// mutator; the mutex guards against accidental cross-goroutine use.
type Universe struct {
	mu     sync.Mutex
	stocks []Stock
}

// Load reads the candidate CSV, applies the row range and price band, and
// drops rows with missing tokens or unparseable prices.
func Load(path string, filter Filter) (*Universe, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read universe: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("universe file %s has no data rows", path)
	}

	cols, err := columnIndex(records[0])
	if err != nil {
		return nil, err
	}

	rows := records[1:]
	start := filter.StartRow - 1
	if start < 0 {
		start = 0
	}
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if filter.ScanCount > 0 && start+filter.ScanCount < end {
		end = start + filter.ScanCount
	}

	stocks := make([]Stock, 0, end-start)
	for _, row := range rows[start:end] {
		stock, ok := parseRow(row, cols, filter)
		if !ok {
			continue
		}
		stocks = append(stocks, stock)
	}
	if len(stocks) == 0 {
		return nil, fmt.Errorf("universe file %s yielded no candidates after filtering", path)
	}
	return &Universe{stocks: stocks}, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"exchange", "token", "trading symbol", "tick size", "ltp"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("universe file missing column %q", required)
		}
	}
	return cols, nil
}

func parseRow(row []string, cols map[string]int, filter Filter) (Stock, bool) {
	field := func(name string) string {
		idx := cols[name]
		if idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	exchange := field("exchange")
	token := field("token")
	if exchange == "" || token == "" {
		return Stock{}, false
	}
	ltp, err := strconv.ParseFloat(field("ltp"), 64)
	if err != nil {
		return Stock{}, false
	}
	if ltp < filter.MinPrice || (filter.MaxPrice > 0 && ltp > filter.MaxPrice) {
		return Stock{}, false
	}
	tick, err := strconv.ParseFloat(field("tick size"), 64)
	if err != nil || tick <= 0 {
		tick = 0.05
	}
	return Stock{
		Exchange:      exchange,
		Token:         token,
		TradingSymbol: field("trading symbol"),
		TickSize:      tick,
		LTP:           ltp,
	}, true
}

// Stocks returns a copy of the current candidate set.
func (u *Universe) Stocks() []Stock {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Stock, len(u.stocks))
	copy(out, u.stocks)
	return out
}

// Len reports the number of remaining candidates.
func (u *Universe) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.stocks)
}

// Remove drops every candidate with the given token, typically after a
// margin-shortfall rejection. It reports whether anything was removed.
func (u *Universe) Remove(token string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	kept := u.stocks[:0]
	removed := false
	for _, s := range u.stocks {
		if s.Token == token {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	u.stocks = kept
	return removed
}

// SubscriptionKeys returns the EXCHANGE|TOKEN feed keys for all candidates.
func (u *Universe) SubscriptionKeys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	keys := make([]string, 0, len(u.stocks))
	for _, s := range u.stocks {
		keys = append(keys, s.SubscriptionKey())
	}
	return keys
}
