package risk

import (
	"fmt"
	"log"
	"sync"
	"time"

	"PerpPilot/internal/config"
	"PerpPilot/internal/model"
)

// RejectReason is the machine-readable reason an entry was refused.
type RejectReason string

const (
	ReasonMarginCeiling      RejectReason = "MARGIN_CEILING"
	ReasonLiquidityFloor     RejectReason = "LIQUIDITY_FLOOR"
	ReasonDailyTradeCap      RejectReason = "DAILY_TRADE_CAP"
	ReasonDailyLossLimit     RejectReason = "DAILY_LOSS_LIMIT"
	ReasonConsecutiveLosses  RejectReason = "CONSECUTIVE_LOSS_BREAKER"
	ReasonSessionBlackout    RejectReason = "SESSION_BLACKOUT"
)

// Rejection is returned from Approve when a hard limit refuses the entry.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("entry rejected (%s): %s", r.Reason, r.Detail)
}

// Sizing is the approved size for one entry.
type Sizing struct {
	Margin   float64 // quote currency reserved
	Notional float64 // Margin * leverage
	Quantity float64 // Notional / price
}

// Manager owns the portfolio risk state. All transitions go through its
// methods; callers only ever see copies of the state.
type Manager struct {
	mu    sync.Mutex
	state model.RiskState

	baseMarginPct        float64
	targetATRPct         float64
	maxPerSymbolPct      float64
	marginCeilingPct     float64
	liquidityFloorPct    float64
	dailyTradeCap        int
	dailyLossLimitPct    float64
	maxConsecutiveLosses int
	blackout             time.Duration
	resetAt              time.Duration // offset from midnight

	now func() time.Time
}

// NewManager builds a risk manager from config with the given starting equity.
func NewManager(cfg *config.Config) (*Manager, error) {
	resetAt, err := config.ParseDailyTime(cfg.Schedule.DailyResetTime)
	if err != nil {
		return nil, fmt.Errorf("daily reset time: %w", err)
	}

	m := &Manager{
		baseMarginPct:        cfg.Risk.BaseMarginPct,
		targetATRPct:         cfg.Risk.TargetATRPct,
		maxPerSymbolPct:      cfg.Risk.MaxPerSymbolPct,
		marginCeilingPct:     cfg.Risk.MarginCeilingPct,
		liquidityFloorPct:    cfg.Risk.LiquidityFloorPct,
		dailyTradeCap:        cfg.Risk.DailyTradeCap,
		dailyLossLimitPct:    cfg.Risk.DailyLossLimitPct,
		maxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		blackout:             time.Duration(cfg.Risk.BlackoutMinutes) * time.Minute,
		resetAt:              resetAt,
		now:                  time.Now,
	}
	m.state = model.RiskState{
		TotalEquity:     cfg.Risk.StartingEquity,
		AvailableMargin: cfg.Risk.StartingEquity,
		Day:             dayOf(m.now()),
	}
	return m, nil
}

// State returns a copy of the current risk state.
func (m *Manager) State() model.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNewDay()
	return m.state
}

// Approve evaluates every hard limit for a prospective entry and, if all pass,
// reserves the volatility-scaled margin and returns the size. Reservation
// happens under the same lock as the checks, so two concurrent approvals can
// never jointly pass the ceiling. A failed order must hand the margin back
// via Release.
//
// On refusal the error is a *Rejection.
func (m *Manager) Approve(symbol string, price, atrPct float64, leverage int) (Sizing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNewDay()

	if d := m.untilBlackoutEnd(); d > 0 {
		return Sizing{}, &Rejection{
			Reason: ReasonSessionBlackout,
			Detail: fmt.Sprintf("inside maintenance blackout window, %v remaining", d.Round(time.Second)),
		}
	}
	if m.state.DailyTradeCount >= m.dailyTradeCap {
		return Sizing{}, &Rejection{
			Reason: ReasonDailyTradeCap,
			Detail: fmt.Sprintf("%d trades today, cap is %d", m.state.DailyTradeCount, m.dailyTradeCap),
		}
	}
	if m.state.DailyLossLimitBreached {
		return Sizing{}, &Rejection{
			Reason: ReasonDailyLossLimit,
			Detail: fmt.Sprintf("daily loss %.2f exceeded %.1f%% of equity, trading halted until daily reset",
				m.state.DailyRealizedPnL, m.dailyLossLimitPct*100),
		}
	}
	if m.state.ConsecutiveLosses >= m.maxConsecutiveLosses {
		return Sizing{}, &Rejection{
			Reason: ReasonConsecutiveLosses,
			Detail: fmt.Sprintf("%d consecutive losses, breaker trips at %d",
				m.state.ConsecutiveLosses, m.maxConsecutiveLosses),
		}
	}

	sz := m.size(price, atrPct, leverage)

	if m.state.UsedMargin+sz.Margin > m.marginCeilingPct*m.state.TotalEquity {
		return Sizing{}, &Rejection{
			Reason: ReasonMarginCeiling,
			Detail: fmt.Sprintf("used %.2f + new %.2f would exceed %.0f%% of equity %.2f",
				m.state.UsedMargin, sz.Margin, m.marginCeilingPct*100, m.state.TotalEquity),
		}
	}
	if m.state.AvailableMargin-sz.Margin < m.liquidityFloorPct*m.state.TotalEquity {
		return Sizing{}, &Rejection{
			Reason: ReasonLiquidityFloor,
			Detail: fmt.Sprintf("reserving %.2f would leave %.2f available, floor is %.0f%% of equity",
				sz.Margin, m.state.AvailableMargin-sz.Margin, m.liquidityFloorPct*100),
		}
	}

	m.state.UsedMargin += sz.Margin
	m.state.AvailableMargin -= sz.Margin
	m.state.DailyTradeCount++
	return sz, nil
}

// size computes the volatility-scaled margin. Quieter markets (ATR below
// target) size up, more volatile ones size down, bounded per symbol.
func (m *Manager) size(price, atrPct float64, leverage int) Sizing {
	pct := m.baseMarginPct
	if atrPct > 0 {
		pct = m.baseMarginPct * (m.targetATRPct / atrPct)
	}
	if pct > m.maxPerSymbolPct {
		pct = m.maxPerSymbolPct
	}

	margin := m.state.TotalEquity * pct
	notional := margin * float64(leverage)
	qty := 0.0
	if price > 0 {
		qty = notional / price
	}
	return Sizing{Margin: margin, Notional: notional, Quantity: qty}
}

// Release returns margin to the available pool, either after (part of) a
// position closes or after an approved entry's order failed. The failed
// attempt still counts against the daily trade cap.
func (m *Manager) Release(margin float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UsedMargin -= margin
	if m.state.UsedMargin < 0 {
		m.state.UsedMargin = 0
	}
	m.state.AvailableMargin += margin
}

// ApplyFill records realized PnL from a close fill and updates the daily
// counters. A position that ends its ladder in profit resets the loss streak.
func (m *Manager) ApplyFill(realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNewDay()

	m.state.DailyRealizedPnL += realizedPnL
	m.state.TotalEquity += realizedPnL
	m.state.AvailableMargin += realizedPnL

	if realizedPnL < 0 {
		m.state.ConsecutiveLosses++
	} else if realizedPnL > 0 {
		m.state.ConsecutiveLosses = 0
	}

	// The limit scales with current equity, not the configured starting
	// equity, so an account that grew does not halt on yesterday's size.
	limit := m.dailyLossLimitPct * m.state.TotalEquity
	if m.state.DailyRealizedPnL < 0 && -m.state.DailyRealizedPnL >= limit {
		if !m.state.DailyLossLimitBreached {
			log.Printf("[WARN] daily loss limit breached: %.2f (limit %.2f)",
				m.state.DailyRealizedPnL, limit)
		}
		m.state.DailyLossLimitBreached = true
	}
}

// SyncBalance reconciles local equity with the exchange's report. The exchange
// number wins; a drift above 1% is logged.
func (m *Manager) SyncBalance(totalEquity, availableMargin float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.TotalEquity > 0 {
		drift := (totalEquity - m.state.TotalEquity) / m.state.TotalEquity
		if drift > 0.01 || drift < -0.01 {
			log.Printf("[WARN] equity drift %.2f%%: local %.2f, exchange %.2f",
				drift*100, m.state.TotalEquity, totalEquity)
		}
	}
	m.state.TotalEquity = totalEquity
	m.state.AvailableMargin = availableMargin
	used := totalEquity - availableMargin
	if used < 0 {
		used = 0
	}
	m.state.UsedMargin = used
}

// ResetDaily zeroes the daily counters and reinitializes equity. Used both by
// the scheduled day rollover and by the full system reset.
func (m *Manager) ResetDaily(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = model.RiskState{
		TotalEquity:     equity,
		AvailableMargin: equity,
		Day:             dayOf(m.now()),
	}
	log.Printf("[INFO] risk state reset, equity %.2f", equity)
}

// rolloverIfNewDay clears daily counters when the wall-clock day changes.
// Caller must hold the lock.
func (m *Manager) rolloverIfNewDay() {
	today := dayOf(m.now())
	if today.Equal(m.state.Day) {
		return
	}
	log.Printf("[INFO] day rollover %s -> %s, clearing daily counters",
		m.state.Day.Format("2006-01-02"), today.Format("2006-01-02"))
	m.state.DailyRealizedPnL = 0
	m.state.DailyTradeCount = 0
	m.state.ConsecutiveLosses = 0
	m.state.DailyLossLimitBreached = false
	m.state.Day = today
}

// untilBlackoutEnd reports how long until the session blackout around the
// daily reset ends; zero when outside the window. The window spans the
// blackout duration on both sides of the reset time.
func (m *Manager) untilBlackoutEnd() time.Duration {
	if m.blackout <= 0 {
		return 0
	}
	now := m.now()
	midnight := dayOf(now)
	sinceMidnight := now.Sub(midnight)

	start := m.resetAt - m.blackout
	end := m.resetAt + m.blackout

	if sinceMidnight >= start && sinceMidnight < end {
		return end - sinceMidnight
	}
	// Window may wrap past midnight.
	if end > 24*time.Hour && sinceMidnight < end-24*time.Hour {
		return end - 24*time.Hour - sinceMidnight
	}
	if start < 0 && sinceMidnight >= start+24*time.Hour {
		return end + 24*time.Hour - sinceMidnight
	}
	return 0
}

func dayOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
