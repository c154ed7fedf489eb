package model

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus tracks the exit lifecycle of a position.
type PositionStatus string

const (
	StatusOpen            PositionStatus = "OPEN"
	StatusPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	StatusClosed          PositionStatus = "CLOSED"
)

// ExitReason explains why (part of) a position was closed.
type ExitReason string

const (
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitTrendReversal ExitReason = "TREND_REVERSAL"
	ExitTimeLimit     ExitReason = "TIME_LIMIT"
	ExitGhostClose    ExitReason = "GHOST_CLOSE"
	ExitReset         ExitReason = "RESET"
)

// LadderRung is a single partial take-profit rule: close Fraction of the
// original quantity once price crosses TriggerPrice.
type LadderRung struct {
	Fraction     float64 `json:"fraction"`
	TriggerPrice float64 `json:"trigger_price"`
	Filled       bool    `json:"filled"`
}

// Position is one open leveraged position. It is owned exclusively by the
// lifecycle engine once opened; the reconciliation protocol only removes
// entries whose exchange counterpart has disappeared.
type Position struct {
	Symbol            string
	Side              Side
	Leverage          int
	EntryPrice        float64
	OriginalQuantity  float64
	RemainingQuantity float64
	Margin            float64
	LiquidationPrice  float64
	StopLossPrice     float64 // dynamic, recomputed every tick
	Ladder            []LadderRung
	HighWaterMark     float64 // best price seen since entry (or last TP rung)
	OpenedAt          time.Time
	Status            PositionStatus
	Managed           bool
	OrderRef          string // client reference of the entry order
}

// FilledFraction returns the summed fraction of the ladder rungs already
// realized.
func (p *Position) FilledFraction() float64 {
	var sum float64
	for _, r := range p.Ladder {
		if r.Filled {
			sum += r.Fraction
		}
	}
	return sum
}

// UnrealizedPnL returns the open profit in quote currency at the given price,
// on the remaining quantity.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Side == SideLong {
		return (price - p.EntryPrice) * p.RemainingQuantity
	}
	return (p.EntryPrice - price) * p.RemainingQuantity
}

// PnLPct returns the signed price move from entry, positive when favorable.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - price) / p.EntryPrice
}

// Favorable reports whether a is a better price than b for this side.
func (p *Position) Favorable(a, b float64) bool {
	if p.Side == SideLong {
		return a > b
	}
	return a < b
}

// HoldingDuration returns how long the position has been open.
func (p *Position) HoldingDuration(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
