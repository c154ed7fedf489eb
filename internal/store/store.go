package store

import (
	"time"

	"PerpPilot/internal/model"
)

// TradeRecord is one realized fill, appended to trade_history.
type TradeRecord struct {
	OrderRef    string
	Symbol      string
	Side        model.Side
	ExitReason  model.ExitReason
	Quantity    float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	Fees        float64
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// DailySummary aggregates one trading day, written at the daily boundary and
// again at shutdown.
type DailySummary struct {
	Date         string // YYYY-MM-DD
	RealizedPnL  float64
	TradeCount   int
	Wins         int
	Losses       int
	MaxDrawdown  float64
	EndingEquity float64
}

// Store persists the position ledger, trade history, and daily summaries.
type Store interface {
	UpsertPosition(p *model.Position) error
	ArchivePosition(p *model.Position) error
	LoadOpenPositions() ([]model.Position, error)
	ClearOpenPositions() error
	RecordTrade(t *TradeRecord) error
	RecordDailySummary(s *DailySummary) error
	Close() error
}
