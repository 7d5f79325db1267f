package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"scalpbot-go/internal/metrics"
	"scalpbot-go/internal/signal"
)

// Stub synthesizes buy-heavy depth snapshots for subscribed tokens, useful for
// offline paper runs and tests where no broker websocket is available.
type Stub struct {
	interval time.Duration
	mu       sync.RWMutex
	prices   map[string]float64
	snaps    map[string]signal.DepthSnapshot
}

// NewStub builds a stub feed emitting a fresh snapshot per token every interval.
func NewStub(interval time.Duration) *Stub {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Stub{
		interval: interval,
		prices:   make(map[string]float64),
		snaps:    make(map[string]signal.DepthSnapshot),
	}
}

// WaitOpen always succeeds; the stub has no connection to establish.
func (s *Stub) WaitOpen(ctx context.Context) error { return ctx.Err() }

// Subscribe registers EXCHANGE|TOKEN keys for synthetic updates.
func (s *Stub) Subscribe(keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		token := tokenFromKey(k)
		if _, ok := s.prices[token]; !ok {
			s.prices[token] = 100.0
		}
	}
	return nil
}

// Unsubscribe is a no-op: known tokens keep ticking so paper positions keep
// marking after the control loop narrows its focus to one instrument.
func (s *Stub) Unsubscribe(keys []string) error { return nil }

// Snapshot returns the latest synthetic snapshot for a token.
func (s *Stub) Snapshot(token string) (signal.DepthSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[token]
	return snap, ok
}

// Run emits snapshots until ctx ends. Books are generated with dominant buy
// pressure so the evaluation pipeline has something to pick.
func (s *Stub) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			for token, px := range s.prices {
				px += 0.05
				s.prices[token] = px
				s.snaps[token] = signal.DepthSnapshot{
					Token:        token,
					LTP:          px,
					TotalBuyQty:  800,
					TotalSellQty: 200,
					BuyDepth:     [signal.DepthLevels]int64{200, 180, 160, 120, 90},
					SellDepth:    [signal.DepthLevels]int64{40, 20, 20, 10, 10},
				}
				metrics.DepthUpdatesTotal.Inc()
			}
			s.mu.Unlock()
		}
	}
}

func tokenFromKey(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[i+1:]
	}
	return key
}
