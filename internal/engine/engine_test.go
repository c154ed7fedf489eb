package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpPilot/internal/config"
	"PerpPilot/internal/exchange"
	"PerpPilot/internal/ledger"
	"PerpPilot/internal/model"
	"PerpPilot/internal/notifier"
	"PerpPilot/internal/risk"
	"PerpPilot/internal/scoring"
	"PerpPilot/internal/store"
)

const testSymbol = "BTC-USDT-SWAP"

type harness struct {
	engine *Engine
	ex     *exchange.PaperExchange
	ledger *ledger.Ledger
	risk   *risk.Manager
	trades *recordingStore
	feed   *scoring.StaticFeed
	clock  *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// recordingStore keeps trade records in memory for assertions.
type recordingStore struct {
	store.NoopStore
	trades []store.TradeRecord
}

func (r *recordingStore) RecordTrade(t *store.TradeRecord) error {
	r.trades = append(r.trades, *t)
	return nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Exchange.Paper = true
	cfg.Exchange.FeeRate = 0 // most tests assert gross PnL
	require.NoError(t, cfg.Validate())

	rm, err := risk.NewManager(cfg)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}

	ex := exchange.NewPaperExchange(cfg.Risk.StartingEquity)
	rs := &recordingStore{}
	ldg := ledger.New(rs)
	feed := &scoring.StaticFeed{ATR: 0.003}
	agg, err := scoring.New(cfg)
	require.NoError(t, err)

	e := New(cfg, ex, ldg, rm, rs, notifier.NewNoopNotifier(), feed, agg)
	e.now = clock.now

	return &harness{engine: e, ex: ex, ledger: ldg, risk: rm, trades: rs, feed: feed, clock: clock}
}

// openLong opens a LONG at the given price with the default ladder.
func (h *harness) openLong(t *testing.T, price float64) model.Position {
	t.Helper()
	h.ex.SetPrice(testSymbol, price)
	require.NoError(t, h.engine.OpenPosition(context.Background(), testSymbol, model.SideLong))
	pos, ok := h.ledger.Get(testSymbol)
	require.True(t, ok)
	return pos
}

func (h *harness) tickAt(t *testing.T, price float64) {
	t.Helper()
	h.ex.SetPrice(testSymbol, price)
	require.NoError(t, h.engine.ManageTick(context.Background(), testSymbol))
}

func TestOpenPosition_BuildsLadderAndStop(t *testing.T) {
	h := newHarness(t)
	pos := h.openLong(t, 100)

	assert.Equal(t, model.StatusOpen, pos.Status)
	assert.InDelta(t, 99.0, pos.StopLossPrice, 1e-9) // 1% fixed stop at target ATR
	require.Len(t, pos.Ladder, 3)
	assert.InDelta(t, 100.8, pos.Ladder[0].TriggerPrice, 1e-9)
	assert.InDelta(t, 101.5, pos.Ladder[1].TriggerPrice, 1e-9)
	assert.InDelta(t, 102.5, pos.Ladder[2].TriggerPrice, 1e-9)
	// 3% of 10000 equity at 3x leverage, price 100.
	assert.InDelta(t, 9.0, pos.OriginalQuantity, 1e-9)
	assert.InDelta(t, 300.0, pos.Margin, 1e-9)

	st := h.risk.State()
	assert.InDelta(t, 300.0, st.UsedMargin, 1e-9)
	assert.Equal(t, 1, st.DailyTradeCount)
}

// The full ladder walk: three rungs cross in sequence and produce exactly
// three realized PnL events, ending with the position archived.
func TestLadderWalkRealizesThreeFills(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	h.tickAt(t, 100.8)
	pos, ok := h.ledger.Get(testSymbol)
	require.True(t, ok)
	assert.Equal(t, model.StatusPartiallyClosed, pos.Status)
	assert.True(t, pos.Ladder[0].Filled)
	assert.InDelta(t, 6.3, pos.RemainingQuantity, 1e-9) // 9 - 0.3*9

	h.tickAt(t, 101.5)
	pos, _ = h.ledger.Get(testSymbol)
	assert.True(t, pos.Ladder[1].Filled)
	assert.InDelta(t, 3.6, pos.RemainingQuantity, 1e-9)

	h.tickAt(t, 102.5)
	_, ok = h.ledger.Get(testSymbol)
	assert.False(t, ok, "position fully closed and archived")

	require.Len(t, h.trades.trades, 3)
	assert.InDelta(t, 0.8*2.7, h.trades.trades[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 1.5*2.7, h.trades.trades[1].RealizedPnL, 1e-9)
	assert.InDelta(t, 2.5*3.6, h.trades.trades[2].RealizedPnL, 1e-9)
	for _, tr := range h.trades.trades {
		assert.Equal(t, model.ExitTakeProfit, tr.ExitReason)
	}

	// All margin back, three winning fills, streak reset.
	st := h.risk.State()
	assert.InDelta(t, 0.0, st.UsedMargin, 1e-9)
	assert.Equal(t, 0, st.ConsecutiveLosses)
}

// Two rungs fill on the way up, then the stop takes out the remainder: three
// realized PnL events, the last one a stop-loss.
func TestLadderThenStopLoss(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	h.tickAt(t, 100.9)
	h.tickAt(t, 101.6)
	h.tickAt(t, 99.0) // stop trigger is inclusive

	_, ok := h.ledger.Get(testSymbol)
	assert.False(t, ok)
	require.Len(t, h.trades.trades, 3)
	assert.Equal(t, model.ExitTakeProfit, h.trades.trades[0].ExitReason)
	assert.Equal(t, model.ExitTakeProfit, h.trades.trades[1].ExitReason)
	assert.Equal(t, model.ExitStopLoss, h.trades.trades[2].ExitReason)
	assert.InDelta(t, -1.0*3.6, h.trades.trades[2].RealizedPnL, 1e-9)
}

func TestOneRungPerTick(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	// Price gaps straight past the first two triggers; only the lowest
	// unfilled rung fills this tick.
	h.tickAt(t, 101.9)
	pos, _ := h.ledger.Get(testSymbol)
	assert.True(t, pos.Ladder[0].Filled)
	assert.False(t, pos.Ladder[1].Filled)
	require.Len(t, h.trades.trades, 1)

	h.tickAt(t, 101.9)
	pos, _ = h.ledger.Get(testSymbol)
	assert.True(t, pos.Ladder[1].Filled)
	require.Len(t, h.trades.trades, 2)
}

func TestStopLossClosesEverything(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	h.tickAt(t, 98.9)
	_, ok := h.ledger.Get(testSymbol)
	assert.False(t, ok)
	require.Len(t, h.trades.trades, 1)
	assert.Equal(t, model.ExitStopLoss, h.trades.trades[0].ExitReason)
	assert.InDelta(t, -1.1*9, h.trades.trades[0].RealizedPnL, 1e-9)

	st := h.risk.State()
	assert.Equal(t, 1, st.ConsecutiveLosses)
}

// When a tick satisfies both the stop-loss and the trailing stop, the
// stop-loss reason wins.
func TestStopLossBeatsTrailingOnSameTick(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.Exit.TrailingBasis = "entry"
	h.openLong(t, 100)

	// Run the mark up so the trailing trigger sits far above the stop.
	h.tickAt(t, 100.5)
	// Collapse through both triggers in one tick.
	h.tickAt(t, 98.5)

	require.Len(t, h.trades.trades, 1)
	assert.Equal(t, model.ExitStopLoss, h.trades.trades[0].ExitReason)
}

func TestTrailingStopAfterFirstRung(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	// Before any rung fills, a small retracement does not trail out.
	h.tickAt(t, 100.5)
	h.tickAt(t, 100.0)
	_, ok := h.ledger.Get(testSymbol)
	require.True(t, ok)

	// First rung fills and re-anchors the high-water mark at the fill price.
	h.tickAt(t, 100.8)
	// New high, then a 0.4% retracement from it.
	h.tickAt(t, 101.2)
	h.tickAt(t, 101.2*(1-0.004)-0.001)

	_, ok = h.ledger.Get(testSymbol)
	assert.False(t, ok)
	require.Len(t, h.trades.trades, 2)
	assert.Equal(t, model.ExitTrailingStop, h.trades.trades[1].ExitReason)
}

func TestTimeLimitExit(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	h.clock.advance(59 * time.Minute)
	h.tickAt(t, 100.1)
	_, ok := h.ledger.Get(testSymbol)
	require.True(t, ok, "still inside the hold window")

	h.clock.advance(2 * time.Minute)
	h.tickAt(t, 100.1)
	_, ok = h.ledger.Get(testSymbol)
	assert.False(t, ok)
	assert.Equal(t, model.ExitTimeLimit, h.trades.trades[len(h.trades.trades)-1].ExitReason)
}

func TestTrendReversalExit(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	h.feed.Reversal = true
	h.tickAt(t, 100.2)
	_, ok := h.ledger.Get(testSymbol)
	assert.False(t, ok)
	assert.Equal(t, model.ExitTrendReversal, h.trades.trades[0].ExitReason)
}

// A take-profit beats the trend exit on the same tick: the ladder is checked
// first.
func TestTakeProfitBeatsTrendReversal(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	h.feed.Reversal = true
	h.tickAt(t, 100.8)
	pos, ok := h.ledger.Get(testSymbol)
	require.True(t, ok)
	assert.True(t, pos.Ladder[0].Filled)
	assert.Equal(t, model.ExitTakeProfit, h.trades.trades[0].ExitReason)
}

func TestShortPositionMirrors(t *testing.T) {
	h := newHarness(t)
	h.ex.SetPrice(testSymbol, 100)
	require.NoError(t, h.engine.OpenPosition(context.Background(), testSymbol, model.SideShort))

	pos, ok := h.ledger.Get(testSymbol)
	require.True(t, ok)
	assert.InDelta(t, 101.0, pos.StopLossPrice, 1e-9)
	assert.InDelta(t, 99.2, pos.Ladder[0].TriggerPrice, 1e-9)

	// Profit target crosses downward for shorts.
	h.tickAt(t, 99.2)
	pos, _ = h.ledger.Get(testSymbol)
	assert.True(t, pos.Ladder[0].Filled)
	assert.InDelta(t, 0.8*2.7, h.trades.trades[0].RealizedPnL, 1e-9)

	// Stop crosses upward.
	h.tickAt(t, 101.1)
	_, ok = h.ledger.Get(testSymbol)
	assert.False(t, ok)
	assert.Equal(t, model.ExitStopLoss, h.trades.trades[1].ExitReason)
}

func TestCloseRetriesWithStableRef(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.Exchange.MaxRetries = 2
	h.openLong(t, 100)
	ordersAfterOpen := h.ex.OrderCount()

	h.ex.FailPlace = 1 // first close attempt fails, retry succeeds
	start := time.Now()
	h.tickAt(t, 98.5)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "retry backs off")

	_, ok := h.ledger.Get(testSymbol)
	assert.False(t, ok)
	// Exactly one new order filled despite two attempts.
	assert.Equal(t, ordersAfterOpen+1, h.ex.OrderCount())
}

func TestFeesReduceRealizedPnL(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.Exchange.FeeRate = 0.0005
	h.openLong(t, 100)

	h.tickAt(t, 98.9)
	require.Len(t, h.trades.trades, 1)
	tr := h.trades.trades[0]
	wantFees := (100*9 + 98.9*9) * 0.0005
	assert.InDelta(t, wantFees, tr.Fees, 1e-9)
	assert.InDelta(t, -1.1*9-wantFees, tr.RealizedPnL, 1e-9)
}

func TestEvaluateOpensOnBuySignal(t *testing.T) {
	h := newHarness(t)
	h.ex.SetPrice(testSymbol, 100)
	// The composite scoring scenario: weighted total 79.75 lands in BUY.
	h.feed.Factors = model.FactorReadings{
		Technical: 90, Momentum: 85, Volatility: 70, Volume: 80, Sentiment: 60,
	}

	require.NoError(t, h.engine.Evaluate(context.Background(), testSymbol))
	pos, ok := h.ledger.Get(testSymbol)
	require.True(t, ok)
	assert.Equal(t, model.SideLong, pos.Side)
}

func TestEvaluateIgnoresHoldAndDegraded(t *testing.T) {
	h := newHarness(t)
	h.ex.SetPrice(testSymbol, 100)

	h.feed.Factors = model.FactorReadings{
		Technical: 50, Momentum: 50, Volatility: 50, Volume: 50, Sentiment: 50,
	}
	require.NoError(t, h.engine.Evaluate(context.Background(), testSymbol))
	assert.Equal(t, 0, h.ledger.Len())

	// A missing factor forces a degraded score; even a would-be signal is
	// not acted on.
	h.feed.Factors = model.FactorReadings{
		Technical: 100, Momentum: 100, Volatility: 100, Volume: 100, Sentiment: -1,
	}
	require.NoError(t, h.engine.Evaluate(context.Background(), testSymbol))
	assert.Equal(t, 0, h.ledger.Len())
}

func TestEntryRejectionIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.ex.SetPrice(testSymbol, 100)

	// Exhaust the daily trade cap up front: each approved-then-abandoned
	// attempt counts against it.
	for i := 0; i < 30; i++ {
		sz, err := h.risk.Approve(testSymbol, 100, 0.003, 3)
		require.NoError(t, err)
		h.risk.Release(sz.Margin)
	}
	require.NoError(t, h.engine.OpenPosition(context.Background(), testSymbol, model.SideLong))
	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, 0, h.ex.OrderCount())
}

// A rejected entry order must not leave its approved margin reserved.
func TestFailedEntryReleasesMargin(t *testing.T) {
	h := newHarness(t)
	h.ex.SetPrice(testSymbol, 100)
	h.ex.FailPlace = 1

	err := h.engine.OpenPosition(context.Background(), testSymbol, model.SideLong)
	require.Error(t, err)
	assert.Equal(t, 0, h.ledger.Len())

	st := h.risk.State()
	assert.InDelta(t, 0.0, st.UsedMargin, 1e-9)
	assert.InDelta(t, st.TotalEquity, st.AvailableMargin, 1e-9)
}

func TestClosePositionOutsideLadder(t *testing.T) {
	h := newHarness(t)
	h.openLong(t, 100)

	h.ex.SetPrice(testSymbol, 100.2)
	require.NoError(t, h.engine.ClosePosition(context.Background(), testSymbol, model.ExitReset))
	_, ok := h.ledger.Get(testSymbol)
	assert.False(t, ok)
	assert.Equal(t, model.ExitReset, h.trades.trades[0].ExitReason)
}
