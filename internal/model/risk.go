package model

import "time"

// RiskState tracks the process-wide portfolio risk counters. One instance
// exists; it is mutated only through the risk manager's transition operations
// and reset once per trading day (or by a full reset).
type RiskState struct {
	TotalEquity            float64   `json:"total_equity"`
	UsedMargin             float64   `json:"used_margin"`
	AvailableMargin        float64   `json:"available_margin"`
	DailyRealizedPnL       float64   `json:"daily_realized_pnl"`
	DailyTradeCount        int       `json:"daily_trade_count"`
	ConsecutiveLosses      int       `json:"consecutive_losses"`
	DailyLossLimitBreached bool      `json:"daily_loss_limit_breached"`
	Day                    time.Time `json:"day"`
}
