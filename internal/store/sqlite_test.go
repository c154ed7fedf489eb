package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpPilot/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePosition() model.Position {
	return model.Position{
		Symbol:            "BTC-USDT-SWAP",
		Side:              model.SideLong,
		Leverage:          3,
		EntryPrice:        100,
		OriginalQuantity:  9,
		RemainingQuantity: 9,
		Margin:            300,
		LiquidationPrice:  66.7,
		StopLossPrice:     99,
		Ladder: []model.LadderRung{
			{Fraction: 0.3, TriggerPrice: 100.8},
			{Fraction: 0.3, TriggerPrice: 101.5},
			{Fraction: 0.4, TriggerPrice: 102.5},
		},
		HighWaterMark: 100,
		OpenedAt:      time.Now().Truncate(time.Second),
		Status:        model.StatusOpen,
		Managed:       true,
		OrderRef:      "ref-1",
	}
}

func TestPositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := samplePosition()
	require.NoError(t, s.UpsertPosition(&p))

	loaded, err := s.LoadOpenPositions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, p.Symbol, got.Symbol)
	assert.Equal(t, p.Side, got.Side)
	assert.InDelta(t, p.StopLossPrice, got.StopLossPrice, 1e-9)
	require.Len(t, got.Ladder, 3)
	assert.InDelta(t, 100.8, got.Ladder[0].TriggerPrice, 1e-9)
	assert.True(t, got.Managed)
	assert.True(t, p.OpenedAt.Equal(got.OpenedAt))
}

func TestUpsertUpdatesMutableFields(t *testing.T) {
	s := newTestStore(t)
	p := samplePosition()
	require.NoError(t, s.UpsertPosition(&p))

	p.RemainingQuantity = 6.3
	p.Ladder[0].Filled = true
	p.Status = model.StatusPartiallyClosed
	require.NoError(t, s.UpsertPosition(&p))

	loaded, err := s.LoadOpenPositions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.InDelta(t, 6.3, loaded[0].RemainingQuantity, 1e-9)
	assert.True(t, loaded[0].Ladder[0].Filled)
	assert.Equal(t, model.StatusPartiallyClosed, loaded[0].Status)
}

func TestArchiveHidesFromOpenSet(t *testing.T) {
	s := newTestStore(t)
	p := samplePosition()
	require.NoError(t, s.UpsertPosition(&p))
	require.NoError(t, s.ArchivePosition(&p))

	loaded, err := s.LoadOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestClearOpenPositions(t *testing.T) {
	s := newTestStore(t)
	p := samplePosition()
	require.NoError(t, s.UpsertPosition(&p))
	q := samplePosition()
	q.Symbol = "ETH-USDT-SWAP"
	q.OrderRef = "ref-2"
	require.NoError(t, s.UpsertPosition(&q))

	require.NoError(t, s.ClearOpenPositions())
	loaded, err := s.LoadOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRecordTradeAndSummary(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.RecordTrade(&TradeRecord{
		OrderRef:    "ref-1",
		Symbol:      "BTC-USDT-SWAP",
		Side:        "LONG",
		ExitReason:  "TAKE_PROFIT",
		Quantity:    2.7,
		EntryPrice:  100,
		ExitPrice:   100.8,
		RealizedPnL: 2.16,
		Fees:        0.27,
		OpenedAt:    now.Add(-10 * time.Minute),
		ClosedAt:    now,
	}))

	d := &DailySummary{
		Date:         "2026-09-01",
		RealizedPnL:  2.16,
		TradeCount:   1,
		Wins:         1,
		EndingEquity: 10002.16,
	}
	require.NoError(t, s.RecordDailySummary(d))
	// Rewriting the same day upserts rather than erroring.
	d.TradeCount = 2
	require.NoError(t, s.RecordDailySummary(d))
}
