package exchange

import (
	"context"

	"PerpPilot/internal/model"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest describes one order. ClientRef is assigned once per logical
// order and reused across retries so the exchange can de-duplicate.
type OrderRequest struct {
	ClientRef string
	Symbol    string
	Side      model.Side // position side the order acts on
	Reduce    bool       // true when closing (reduce-only)
	Type      OrderType
	Quantity  float64
	Price     float64 // limit orders only
}

// Position is the exchange's authoritative view of one open position.
type Position struct {
	Symbol     string
	Side       model.Side
	Quantity   float64
	EntryPrice float64
}

// Balance is the exchange's account snapshot.
type Balance struct {
	TotalEquity     float64
	AvailableMargin float64
}

// Exchange is the minimal surface the engine needs. All calls are safe to
// retry except PlaceOrder, which relies on ClientRef de-duplication.
type Exchange interface {
	Name() string
	FetchOpenPositions(ctx context.Context) ([]Position, error)
	FetchBalance(ctx context.Context) (Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelAllOrders(ctx context.Context, symbol string) (cancelled int, err error)
	FetchTicker(ctx context.Context, symbol string) (price float64, err error)
}
