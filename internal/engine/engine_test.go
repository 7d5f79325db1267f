package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/risk"
	"scalpbot-go/internal/signal"
	"scalpbot-go/internal/strategy"
	"scalpbot-go/internal/universe"
)

// fakeAPI scripts broker responses: each OrderBook/Positions call pops the
// next scripted reply, repeating the last one once exhausted.
type fakeAPI struct {
	mu        sync.Mutex
	books     [][]broker.Order
	positions [][]broker.Position
	quotes    map[string]float64
	cash      float64

	placed    []broker.EntryRequest
	mods      []broker.Modification
	canceled  []string
	exitCalls int
	exitErr   error
	placeErr  error
}

func (f *fakeAPI) PlaceBracketOrder(ctx context.Context, req broker.EntryRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, req)
	return fmt.Sprintf("ord-%d", len(f.placed)), nil
}

func (f *fakeAPI) ModifyOrder(ctx context.Context, mod broker.Modification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mods = append(f.mods, mod)
	return nil
}

func (f *fakeAPI) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeAPI) OrderBook(ctx context.Context) ([]broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.books) == 0 {
		return nil, nil
	}
	book := f.books[0]
	if len(f.books) > 1 {
		f.books = f.books[1:]
	}
	return book, nil
}

func (f *fakeAPI) Positions(ctx context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.positions) == 0 {
		return nil, nil
	}
	pos := f.positions[0]
	if len(f.positions) > 1 {
		f.positions = f.positions[1:]
	}
	return pos, nil
}

func (f *fakeAPI) Quote(ctx context.Context, exchange, token string) (broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ltp, ok := f.quotes[token]
	if !ok {
		return broker.Quote{}, fmt.Errorf("no quote for %s", token)
	}
	return broker.Quote{LTP: ltp}, nil
}

func (f *fakeAPI) ExitAllPositions(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls++
	return f.exitErr
}

func (f *fakeAPI) AvailableCash(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cash, nil
}

func (f *fakeAPI) setQuote(token string, ltp float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotes == nil {
		f.quotes = map[string]float64{}
	}
	f.quotes[token] = ltp
}

type fakeFeed struct {
	mu             sync.Mutex
	snaps          map[string]signal.DepthSnapshot
	failSubscribes int // first N Subscribe calls fail, as if mid-reconnect
	waitOpens      int
	subscribed     int
	unsubscribed   int
}

func (f *fakeFeed) WaitOpen(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitOpens++
	return ctx.Err()
}

func (f *fakeFeed) Subscribe(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubscribes > 0 {
		f.failSubscribes--
		return fmt.Errorf("feed not open")
	}
	f.subscribed++
	return nil
}

func (f *fakeFeed) Unsubscribe(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
	return nil
}

func (f *fakeFeed) Snapshot(token string) (signal.DepthSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[token]
	return snap, ok
}

func buyHeavySnapshot(token string, ltp float64) signal.DepthSnapshot {
	return signal.DepthSnapshot{
		Token:        token,
		LTP:          ltp,
		TotalBuyQty:  800,
		TotalSellQty: 200,
		BuyDepth:     [signal.DepthLevels]int64{200, 180, 160, 120, 90},
		SellDepth:    [signal.DepthLevels]int64{40, 20, 20, 10, 10},
	}
}

func testUniverse(t *testing.T) *universe.Universe {
	t.Helper()
	path := filepath.Join(t.TempDir(), "universe.csv")
	content := "EXCHANGE,TOKEN,Trading Symbol,Tick Size,LTP\nNSE,22,ACC-EQ,0.05,120.50\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write universe: %v", err)
	}
	uni, err := universe.Load(path, universe.Filter{})
	if err != nil {
		t.Fatalf("load universe: %v", err)
	}
	return uni
}

func newTestEngine(t *testing.T, api *fakeAPI, feed *fakeFeed, uni *universe.Universe, limits risk.Limits) *Engine {
	t.Helper()
	params := Params{
		Limits:           limits,
		TradeSize:        1,
		TrailingStep:     0.0025,
		SearchInterval:   time.Millisecond,
		MaxSearchRounds:  5,
		MaxEntryAttempts: 3,
		PollInterval:     time.Millisecond,
		CallTimeout:      time.Second,
	}
	strat := strategy.NewDepthImbalance(0.70, 0.95, 1.5, zerolog.Nop())
	return New(zerolog.Nop(), params, api, feed, uni, strat, nil)
}

func defaultLimits() risk.Limits {
	return risk.Limits{MaxTradesPerDay: 5, StopLoss: -500, TakeProfit: 3000}
}

func TestClassify(t *testing.T) {
	if got := Classify(fmt.Errorf("socket closed")); got != KindTransient {
		t.Fatalf("plain error classified %s, want transient", got)
	}
	if got := Classify(fmt.Errorf("place: %w", &broker.RejectionError{Reason: "RED:price out of band"})); got != KindRejected {
		t.Fatalf("rejection classified %s, want rejected", got)
	}
	if got := Classify(Rejected(fmt.Errorf("rolled back"))); got != KindRejected {
		t.Fatalf("tagged rejection classified %s", got)
	}
	if got := Classify(Fatal(fmt.Errorf("no signal"))); got != KindFatal {
		t.Fatalf("tagged fatal classified %s", got)
	}
	if Fatal(nil) != nil || Rejected(nil) != nil {
		t.Fatalf("nil errors should stay nil")
	}
}

func TestTrailStopLongTightensOnly(t *testing.T) {
	api := &fakeAPI{}
	api.setQuote("22", 121)
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())

	// sell-side stop protecting a long
	stop := broker.Order{
		ID: "stop-1", Exchange: "NSE", Token: "22", TradingSymbol: "ACC-EQ",
		Side: broker.SideSell, Status: broker.StatusTriggerPending,
		Qty: 1, TriggerPrice: 119.50, TickSize: 0.05,
		LegSequence: broker.LegStop, Linked: true,
	}
	if err := e.trailStop(context.Background(), stop, 0.05); err != nil {
		t.Fatalf("trailStop returned error: %v", err)
	}
	if len(api.mods) != 1 {
		t.Fatalf("expected one modification, got %d", len(api.mods))
	}
	mod := api.mods[0]
	if mod.PriceType != broker.PriceTypeStopMkt || mod.NewTriggerPrice != 120.70 {
		t.Fatalf("unexpected modification %+v", mod)
	}

	// price falls back: the trigger must never loosen
	stop.TriggerPrice = mod.NewTriggerPrice
	api.setQuote("22", 119)
	if err := e.trailStop(context.Background(), stop, 0.05); err != nil {
		t.Fatalf("trailStop returned error: %v", err)
	}
	if len(api.mods) != 1 {
		t.Fatalf("trigger loosened: %+v", api.mods)
	}
}

func TestTrailStopShortTightensOnly(t *testing.T) {
	api := &fakeAPI{}
	api.setQuote("22", 199)
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())

	// buy-side stop protecting a short
	stop := broker.Order{
		ID: "stop-1", Exchange: "NSE", Token: "22", TradingSymbol: "ACC-EQ",
		Side: broker.SideBuy, Status: broker.StatusTriggerPending,
		Qty: 1, TriggerPrice: 201, TickSize: 0.05,
		LegSequence: broker.LegStop, Linked: true,
	}
	if err := e.trailStop(context.Background(), stop, 0.05); err != nil {
		t.Fatalf("trailStop returned error: %v", err)
	}
	if len(api.mods) != 1 || api.mods[0].NewTriggerPrice != 199.50 {
		t.Fatalf("unexpected modifications %+v", api.mods)
	}

	stop.TriggerPrice = 199.50
	api.setQuote("22", 200.5)
	if err := e.trailStop(context.Background(), stop, 0.05); err != nil {
		t.Fatalf("trailStop returned error: %v", err)
	}
	if len(api.mods) != 1 {
		t.Fatalf("trigger loosened on a short: %+v", api.mods)
	}
}

func TestTrailTarget(t *testing.T) {
	api := &fakeAPI{}
	api.setQuote("22", 98)
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())

	target := broker.Order{
		ID: "tgt-1", Exchange: "NSE", Token: "22", TradingSymbol: "ACC-EQ",
		Side: broker.SideBuy, Status: broker.StatusOpen,
		Qty: 1, LimitPrice: 100, TickSize: 0.05,
		LegSequence: broker.LegPrimary, Linked: true,
	}
	if err := e.trailTarget(context.Background(), target, 0.05); err != nil {
		t.Fatalf("trailTarget returned error: %v", err)
	}
	if len(api.mods) != 1 {
		t.Fatalf("expected one modification, got %d", len(api.mods))
	}
	if api.mods[0].PriceType != broker.PriceTypeLimit || math.Abs(api.mods[0].NewPrice-98.25) > 1e-9 {
		t.Fatalf("unexpected modification %+v", api.mods[0])
	}

	// recomputed target above the working limit leaves it untouched
	api.setQuote("22", 102)
	if err := e.trailTarget(context.Background(), target, 0.05); err != nil {
		t.Fatalf("trailTarget returned error: %v", err)
	}
	if len(api.mods) != 1 {
		t.Fatalf("unexpected extra modification %+v", api.mods)
	}
}

func TestSuperviseCancelsStaleEntry(t *testing.T) {
	resting := broker.Order{
		ID: "entry-1", Exchange: "NSE", Token: "22", TradingSymbol: "ACC-EQ",
		Side: broker.SideBuy, Status: broker.StatusOpen,
		Qty: 1, LimitPrice: 100, TickSize: 0.05,
	}
	api := &fakeAPI{books: [][]broker.Order{{resting}}}
	api.setQuote("22", 101) // drifted more than 0.5% past the limit
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())
	e.tradeCount = 1

	outcome, err := e.supervise(context.Background())
	if err != nil {
		t.Fatalf("supervise returned error: %v", err)
	}
	if outcome != outcomeResearch {
		t.Fatalf("expected research outcome, got %v", outcome)
	}
	if len(api.canceled) != 1 || api.canceled[0] != "entry-1" {
		t.Fatalf("unexpected cancels %v", api.canceled)
	}
	if e.TradeCount() != 0 {
		t.Fatalf("trade count not rolled back: %d", e.TradeCount())
	}
}

func TestSuperviseKeepsFreshEntry(t *testing.T) {
	resting := broker.Order{
		ID: "entry-1", Exchange: "NSE", Token: "22", TradingSymbol: "ACC-EQ",
		Side: broker.SideBuy, Status: broker.StatusOpen,
		Qty: 1, LimitPrice: 100, TickSize: 0.05,
	}
	done := broker.Order{ID: "entry-1", Status: broker.StatusComplete}
	api := &fakeAPI{books: [][]broker.Order{{resting}, {done}}}
	api.setQuote("22", 100.2) // within the drift tolerance
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())
	e.tradeCount = 1

	outcome, err := e.supervise(context.Background())
	if err != nil {
		t.Fatalf("supervise returned error: %v", err)
	}
	if outcome != outcomeDone {
		t.Fatalf("expected done outcome, got %v", outcome)
	}
	if len(api.canceled) != 0 {
		t.Fatalf("fresh entry canceled: %v", api.canceled)
	}
	if e.TradeCount() != 1 {
		t.Fatalf("trade count changed: %d", e.TradeCount())
	}
}

func TestPollPnLFlattensExactlyOnce(t *testing.T) {
	api := &fakeAPI{positions: [][]broker.Position{{{Token: "22", UnrealizedPnL: 3500}}}}
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())

	e.pollPnL(context.Background())
	e.pollPnL(context.Background())
	e.pollPnL(context.Background())

	if api.exitCalls != 1 {
		t.Fatalf("expected exactly one flatten-all, got %d", api.exitCalls)
	}
	if e.DayM2M() != 3500 {
		t.Fatalf("unexpected day m2m %.2f", e.DayM2M())
	}
}

func TestPollPnLRetriesFlattenAfterFailure(t *testing.T) {
	api := &fakeAPI{positions: [][]broker.Position{{{Token: "22", UnrealizedPnL: 3500}}}}
	api.exitErr = fmt.Errorf("exchange busy")
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())

	e.pollPnL(context.Background())
	if e.flattened {
		t.Fatalf("flattened flag set despite failed exit")
	}

	api.mu.Lock()
	api.exitErr = nil
	api.mu.Unlock()
	e.pollPnL(context.Background())
	e.pollPnL(context.Background())

	if api.exitCalls != 2 {
		t.Fatalf("expected retry then stop, got %d exit calls", api.exitCalls)
	}
	if !e.flattened {
		t.Fatalf("flattened flag not set after successful exit")
	}
}

func workingBracket() []broker.Order {
	return []broker.Order{
		{ID: "ord-1", Token: "22", Status: broker.StatusComplete},
		{ID: "ord-1-stop", Exchange: "NSE", Token: "22", TradingSymbol: "ACC-EQ",
			Side: broker.SideSell, Status: broker.StatusTriggerPending,
			Qty: 1, TriggerPrice: 119.50, TickSize: 0.05,
			LegSequence: broker.LegStop, Linked: true},
		{ID: "ord-1-tgt", Exchange: "NSE", Token: "22", TradingSymbol: "ACC-EQ",
			Side: broker.SideSell, Status: broker.StatusOpen,
			Qty: 1, LimitPrice: 121.70, TickSize: 0.05,
			LegSequence: broker.LegPrimary, Linked: true},
	}
}

func closedBracket() []broker.Order {
	return []broker.Order{
		{ID: "ord-1", Status: broker.StatusComplete},
		{ID: "ord-1-stop", Status: broker.StatusCanceled},
		{ID: "ord-1-tgt", Status: broker.StatusComplete},
	}
}

func TestRunStopsAtTradeCap(t *testing.T) {
	api := &fakeAPI{
		books: [][]broker.Order{workingBracket(), closedBracket()},
		cash:  100000,
	}
	api.setQuote("22", 120.50)
	feed := &fakeFeed{snaps: map[string]signal.DepthSnapshot{"22": buyHeavySnapshot("22", 120.50)}}
	limits := defaultLimits()
	limits.MaxTradesPerDay = 1
	e := newTestEngine(t, api, feed, testUniverse(t), limits)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if e.TradeCount() != 1 {
		t.Fatalf("expected 1 trade, got %d", e.TradeCount())
	}
	if len(api.placed) != 1 {
		t.Fatalf("expected 1 entry order, got %d", len(api.placed))
	}
	req := api.placed[0]
	if req.Side != broker.SideBuy || req.TradingSymbol != "ACC-EQ" || req.Qty != 1 {
		t.Fatalf("unexpected entry request %+v", req)
	}
	// 120.50*0.0025 rounds to 0.30, floored at one rupee
	if req.StopLossPrice != 1.00 {
		t.Fatalf("unexpected stop distance %.2f", req.StopLossPrice)
	}
	if math.Abs(req.TargetPrice-1.20) > 1e-9 {
		t.Fatalf("unexpected target distance %.2f", req.TargetPrice)
	}
	if api.exitCalls != 0 {
		t.Fatalf("flatten-all should not run under take profit")
	}
	if feed.subscribed != 1 || feed.unsubscribed != 1 {
		t.Fatalf("unexpected subscription churn: %d subs, %d unsubs", feed.subscribed, feed.unsubscribed)
	}
}

func TestRunHaltsOnStopLoss(t *testing.T) {
	api := &fakeAPI{
		books:     [][]broker.Order{workingBracket(), closedBracket()},
		positions: [][]broker.Position{{{Token: "22", UnrealizedPnL: -600}}},
		cash:      100000,
	}
	api.setQuote("22", 120.50)
	feed := &fakeFeed{snaps: map[string]signal.DepthSnapshot{"22": buyHeavySnapshot("22", 120.50)}}
	e := newTestEngine(t, api, feed, testUniverse(t), defaultLimits())

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if e.DayM2M() != -600 {
		t.Fatalf("unexpected day m2m %.2f", e.DayM2M())
	}
	if e.TradeCount() != 1 {
		t.Fatalf("expected a single trade before the halt, got %d", e.TradeCount())
	}
}

func TestRunMarginShortfallRemovesInstrument(t *testing.T) {
	rejected := []broker.Order{{
		ID: "ord-1", Token: "22", TradingSymbol: "ACC-EQ",
		Status:          broker.StatusRejected,
		RejectionReason: "RED:Margin Shortfall:Required is 120500.00 Available is 1000.00",
	}}
	api := &fakeAPI{books: [][]broker.Order{rejected}, cash: 1000}
	feed := &fakeFeed{snaps: map[string]signal.DepthSnapshot{"22": buyHeavySnapshot("22", 120.50)}}
	uni := testUniverse(t)
	e := newTestEngine(t, api, feed, uni, defaultLimits())
	e.params.MaxEntryAttempts = 1

	err := e.Run(context.Background())
	if err == nil {
		t.Fatalf("expected fatal error after entry attempts exhausted")
	}
	if Classify(err) != KindFatal {
		t.Fatalf("expected fatal classification, got %s", Classify(err))
	}
	if e.TradeCount() != 0 {
		t.Fatalf("trade count not rolled back: %d", e.TradeCount())
	}
	if uni.Len() != 0 {
		t.Fatalf("margin shortfall instrument still in universe")
	}
}

func TestRunSyncMarginShortfallRemovesInstrument(t *testing.T) {
	api := &fakeAPI{cash: 1000}
	api.placeErr = &broker.RejectionError{Reason: "RED:Margin Shortfall: insufficient cash"}
	feed := &fakeFeed{snaps: map[string]signal.DepthSnapshot{"22": buyHeavySnapshot("22", 120.50)}}
	uni := testUniverse(t)
	e := newTestEngine(t, api, feed, uni, defaultLimits())
	e.params.MaxEntryAttempts = 1

	err := e.Run(context.Background())
	if err == nil {
		t.Fatalf("expected fatal error after entry attempts exhausted")
	}
	if Classify(err) != KindFatal {
		t.Fatalf("expected fatal classification, got %s", Classify(err))
	}
	if e.TradeCount() != 0 {
		t.Fatalf("trade count advanced on a rejected placement: %d", e.TradeCount())
	}
	if uni.Len() != 0 {
		t.Fatalf("margin-shortfall instrument still in universe after synchronous rejection")
	}
}

func TestRunRetriesTransientSubscribeFailure(t *testing.T) {
	api := &fakeAPI{
		books: [][]broker.Order{workingBracket(), closedBracket()},
		cash:  100000,
	}
	api.setQuote("22", 120.50)
	feed := &fakeFeed{
		snaps:          map[string]signal.DepthSnapshot{"22": buyHeavySnapshot("22", 120.50)},
		failSubscribes: 1,
	}
	limits := defaultLimits()
	limits.MaxTradesPerDay = 1
	e := newTestEngine(t, api, feed, testUniverse(t), limits)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error on a transient subscribe failure: %v", err)
	}
	if e.TradeCount() != 1 {
		t.Fatalf("expected 1 trade, got %d", e.TradeCount())
	}
	if feed.subscribed != 1 {
		t.Fatalf("expected one successful subscription, got %d", feed.subscribed)
	}
	// the session-start wait plus one per subscription attempt
	if feed.waitOpens < 3 {
		t.Fatalf("expected the feed to be re-awaited before each subscribe, got %d waits", feed.waitOpens)
	}
}

func TestRunNoSignalIsFatal(t *testing.T) {
	api := &fakeAPI{cash: 100000}
	feed := &fakeFeed{snaps: map[string]signal.DepthSnapshot{}}
	e := newTestEngine(t, api, feed, testUniverse(t), defaultLimits())
	e.params.MaxSearchRounds = 2

	err := e.Run(context.Background())
	if err == nil || Classify(err) != KindFatal {
		t.Fatalf("expected fatal no-signal error, got %v", err)
	}
	if len(api.placed) != 0 {
		t.Fatalf("orders placed without a signal: %d", len(api.placed))
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	api := &fakeAPI{cash: 100000}
	feed := &fakeFeed{snaps: map[string]signal.DepthSnapshot{}}
	e := newTestEngine(t, api, feed, testUniverse(t), defaultLimits())
	e.params.MaxSearchRounds = 100000
	e.params.SearchInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if err := e.Run(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitMarketOpenGates(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api, &fakeFeed{}, testUniverse(t), defaultLimits())
	e.params.MarketOpen = "09:15:01"

	clock := time.Date(2026, 3, 9, 9, 14, 59, 0, time.Local)
	e.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	if err := e.waitMarketOpen(context.Background()); err != nil {
		t.Fatalf("waitMarketOpen returned error: %v", err)
	}
	if got := clock.Format("15:04:05"); got < "09:15:01" {
		t.Fatalf("gate released before open: %s", got)
	}
}
