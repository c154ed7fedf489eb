package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpPilot/internal/model"
	"PerpPilot/internal/store"
)

func testPosition(symbol string) model.Position {
	return model.Position{
		Symbol:            symbol,
		Side:              model.SideLong,
		Leverage:          3,
		EntryPrice:        100,
		OriginalQuantity:  10,
		RemainingQuantity: 10,
		Margin:            300,
		StopLossPrice:     99,
		Ladder: []model.LadderRung{
			{Fraction: 0.3, TriggerPrice: 100.8},
			{Fraction: 0.3, TriggerPrice: 101.5},
			{Fraction: 0.4, TriggerPrice: 102.5},
		},
		HighWaterMark: 100,
		OpenedAt:      time.Now(),
		Status:        model.StatusOpen,
		Managed:       true,
		OrderRef:      "ref-" + symbol,
	}
}

func TestOpenGetArchive(t *testing.T) {
	l := New(store.NewNoopStore())

	require.NoError(t, l.Open(testPosition("BTC-USDT-SWAP")))
	assert.Equal(t, 1, l.Len())

	// Double open is rejected.
	assert.Error(t, l.Open(testPosition("BTC-USDT-SWAP")))

	got, ok := l.Get("BTC-USDT-SWAP")
	require.True(t, ok)
	assert.Equal(t, model.SideLong, got.Side)

	require.NoError(t, l.Archive("BTC-USDT-SWAP"))
	assert.Equal(t, 0, l.Len())
	_, ok = l.Get("BTC-USDT-SWAP")
	assert.False(t, ok)

	// Archiving again fails.
	assert.Error(t, l.Archive("BTC-USDT-SWAP"))
}

func TestGetReturnsCopy(t *testing.T) {
	l := New(store.NewNoopStore())
	require.NoError(t, l.Open(testPosition("ETH-USDT-SWAP")))

	got, ok := l.Get("ETH-USDT-SWAP")
	require.True(t, ok)
	got.Ladder[0].Filled = true
	got.RemainingQuantity = 1

	again, _ := l.Get("ETH-USDT-SWAP")
	assert.False(t, again.Ladder[0].Filled, "mutating a copy must not leak into the ledger")
	assert.Equal(t, 10.0, again.RemainingQuantity)
}

func TestUpdateRequiresOpenPosition(t *testing.T) {
	l := New(store.NewNoopStore())
	p := testPosition("BTC-USDT-SWAP")

	assert.Error(t, l.Update(p))

	require.NoError(t, l.Open(p))
	p.RemainingQuantity = 7
	p.Status = model.StatusPartiallyClosed
	require.NoError(t, l.Update(p))

	got, _ := l.Get("BTC-USDT-SWAP")
	assert.Equal(t, 7.0, got.RemainingQuantity)
	assert.Equal(t, model.StatusPartiallyClosed, got.Status)
}

func TestRemove(t *testing.T) {
	l := New(store.NewNoopStore())
	require.NoError(t, l.Open(testPosition("BTC-USDT-SWAP")))

	removed, ok := l.Remove("BTC-USDT-SWAP")
	require.True(t, ok)
	assert.Equal(t, model.StatusClosed, removed.Status)
	assert.Equal(t, 0, l.Len())

	_, ok = l.Remove("BTC-USDT-SWAP")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	l := New(store.NewNoopStore())
	require.NoError(t, l.Open(testPosition("BTC-USDT-SWAP")))
	require.NoError(t, l.Open(testPosition("ETH-USDT-SWAP")))

	require.NoError(t, l.Clear())
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Snapshot())
}

func TestAcquireSerializesPerSymbol(t *testing.T) {
	l := New(store.NewNoopStore())

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	release := l.Acquire("BTC-USDT-SWAP")

	wg.Add(1)
	go func() {
		defer wg.Done()
		r := l.Acquire("BTC-USDT-SWAP")
		defer r()
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()

	// A different symbol is not blocked.
	done := make(chan struct{})
	go func() {
		r := l.Acquire("ETH-USDT-SWAP")
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent symbol lock blocked")
	}

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release()
	wg.Wait()

	assert.Equal(t, []int{1, 2}, order)
}
