package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"PerpPilot/internal/config"
	"PerpPilot/internal/exchange"
	"PerpPilot/internal/ledger"
	"PerpPilot/internal/metrics"
	"PerpPilot/internal/model"
	"PerpPilot/internal/notifier"
	"PerpPilot/internal/risk"
	"PerpPilot/internal/scoring"
	"PerpPilot/internal/store"
)

// Engine drives the position lifecycle: it turns scores into entries and
// walks open positions through the exit ladder until they close.
type Engine struct {
	cfg    *config.Config
	ex     exchange.Exchange
	ledger *ledger.Ledger
	risk   *risk.Manager
	store  store.Store
	notify notifier.Notifier
	feed   scoring.Feed
	agg    *scoring.Aggregator

	mu     sync.Mutex
	danger map[string]bool // symbols already warned about liquidation proximity

	// Daily aggregates for the end-of-day report.
	wins        int
	losses      int
	peakEquity  float64
	maxDrawdown float64

	now func() time.Time
}

// New wires the engine together.
func New(cfg *config.Config, ex exchange.Exchange, ldg *ledger.Ledger,
	rm *risk.Manager, st store.Store, nt notifier.Notifier,
	feed scoring.Feed, agg *scoring.Aggregator) *Engine {
	return &Engine{
		cfg:        cfg,
		ex:         ex,
		ledger:     ldg,
		risk:       rm,
		store:      st,
		notify:     nt,
		feed:       feed,
		agg:        agg,
		danger:     make(map[string]bool),
		peakEquity: rm.State().TotalEquity,
		now:        time.Now,
	}
}

// DayStats returns the win/loss counts and the deepest equity drawdown since
// the last reset.
func (e *Engine) DayStats() (wins, losses int, maxDrawdown float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wins, e.losses, e.maxDrawdown
}

// ResetDayStats clears the daily aggregates; called after the daily report is
// written.
func (e *Engine) ResetDayStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wins, e.losses, e.maxDrawdown = 0, 0, 0
	e.peakEquity = e.risk.State().TotalEquity
}

// Evaluate runs one decision cycle for a symbol: manage the open position if
// one exists, otherwise score the market and consider a new entry. The caller
// holds the per-symbol lock.
func (e *Engine) Evaluate(ctx context.Context, symbol string) error {
	if _, open := e.ledger.Get(symbol); open {
		return e.ManageTick(ctx, symbol)
	}
	return e.considerEntry(ctx, symbol)
}

func (e *Engine) considerEntry(ctx context.Context, symbol string) error {
	readings, err := e.feed.Readings(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch readings for %s: %w", symbol, err)
	}
	score := e.agg.Aggregate(symbol, readings)
	if score.Degraded {
		log.Printf("[WARN] %s score degraded (missing factors), not trading on it", symbol)
		return nil
	}

	var side model.Side
	switch score.Signal {
	case model.SignalStrongBuy, model.SignalBuy:
		side = model.SideLong
	case model.SignalSell:
		side = model.SideShort
	default:
		return nil
	}

	log.Printf("[INFO] %s scored %.2f -> %s, opening %s", symbol, score.TotalScore, score.Signal, side)
	return e.OpenPosition(ctx, symbol, side)
}

// OpenPosition sizes, risk-checks and places a new entry. Risk refusals are
// logged and counted, not returned as errors: a rejection is a normal outcome.
func (e *Engine) OpenPosition(ctx context.Context, symbol string, side model.Side) error {
	price, err := e.ex.FetchTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}
	atrPct, err := e.feed.ATRPct(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ATR for %s: %w", symbol, err)
	}

	sz, err := e.risk.Approve(symbol, price, atrPct, e.cfg.Leverage)
	if err != nil {
		if rej, ok := err.(*risk.Rejection); ok {
			log.Printf("[INFO] %s entry rejected: %s (%s)", symbol, rej.Reason, rej.Detail)
			metrics.RejectionsTotal.WithLabelValues(string(rej.Reason)).Inc()
			if rej.Reason == risk.ReasonDailyLossLimit || rej.Reason == risk.ReasonConsecutiveLosses {
				e.notify.RiskWarning(symbol, rej.Detail)
			}
			return nil
		}
		return fmt.Errorf("risk approval for %s: %w", symbol, err)
	}

	ref := uuid.NewString()
	_, err = e.ex.PlaceOrder(ctx, exchange.OrderRequest{
		ClientRef: ref,
		Symbol:    symbol,
		Side:      side,
		Type:      exchange.OrderMarket,
		Quantity:  sz.Quantity,
	})
	if err != nil {
		// Approve reserved the margin; a failed order hands it back.
		e.risk.Release(sz.Margin)
		return fmt.Errorf("place entry order for %s: %w", symbol, err)
	}

	pos := model.Position{
		Symbol:            symbol,
		Side:              side,
		Leverage:          e.cfg.Leverage,
		EntryPrice:        price,
		OriginalQuantity:  sz.Quantity,
		RemainingQuantity: sz.Quantity,
		Margin:            sz.Margin,
		LiquidationPrice:  liquidationPrice(price, side, e.cfg.Leverage),
		StopLossPrice:     e.stopPrice(price, side, atrPct),
		Ladder:            buildLadder(e.cfg.Exit.Ladder, price, side),
		HighWaterMark:     price,
		OpenedAt:          e.now(),
		Status:            model.StatusOpen,
		Managed:           true,
		OrderRef:          ref,
	}

	if err := e.ledger.Open(pos); err != nil {
		// The order filled but the ledger refused; close it back out rather
		// than leave an untracked position.
		log.Printf("[ERROR] ledger open for %s failed: %v, unwinding entry", symbol, err)
		e.risk.Release(sz.Margin)
		if _, cerr := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
			ClientRef: uuid.NewString(),
			Symbol:    symbol,
			Side:      side,
			Reduce:    true,
			Type:      exchange.OrderMarket,
			Quantity:  sz.Quantity,
		}); cerr != nil {
			e.notify.SystemError(fmt.Sprintf("failed to unwind untracked %s entry: %v", symbol, cerr))
			return fmt.Errorf("unwind %s entry: %w", symbol, cerr)
		}
		return err
	}

	metrics.OrdersTotal.WithLabelValues(string(side)).Inc()
	e.publishRiskGauges()
	e.notify.PositionOpened(&pos)
	log.Printf("[INFO] opened %s %s qty %.6f @ %.4f (margin %.2f, stop %.4f)",
		side, symbol, sz.Quantity, price, sz.Margin, pos.StopLossPrice)
	return nil
}

// ManageTick advances one open position by one step: refresh the mark price,
// move the high-water mark and the stop, then apply at most one exit decision.
func (e *Engine) ManageTick(ctx context.Context, symbol string) error {
	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return nil
	}

	price, err := e.ex.FetchTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}

	if pos.Favorable(price, pos.HighWaterMark) {
		pos.HighWaterMark = price
	}
	e.tightenStop(ctx, &pos)
	e.checkLiquidationDanger(&pos, price)

	dec := e.decideExit(ctx, &pos, price)
	if dec == nil {
		return e.ledger.Update(pos)
	}

	return e.executeExit(ctx, &pos, price, dec)
}

type exitDecision struct {
	reason   model.ExitReason
	quantity float64 // contracts to close
	rung     int     // ladder index for TAKE_PROFIT, -1 otherwise
}

// decideExit picks at most one exit for this tick. Precedence is strict:
// stop-loss beats everything, then the lowest unfilled ladder rung, then the
// trailing stop, then trend reversal, then the time limit.
func (e *Engine) decideExit(ctx context.Context, pos *model.Position, price float64) *exitDecision {
	// 1. Stop-loss.
	if crossed(pos.Side, price, pos.StopLossPrice, false) {
		return &exitDecision{reason: model.ExitStopLoss, quantity: pos.RemainingQuantity, rung: -1}
	}

	// 2. Take-profit ladder: one rung per tick, lowest unfilled first.
	for i := range pos.Ladder {
		r := &pos.Ladder[i]
		if r.Filled {
			continue
		}
		if crossed(pos.Side, price, r.TriggerPrice, true) {
			qty := r.Fraction * pos.OriginalQuantity
			if qty > pos.RemainingQuantity || i == len(pos.Ladder)-1 {
				qty = pos.RemainingQuantity
			}
			return &exitDecision{reason: model.ExitTakeProfit, quantity: qty, rung: i}
		}
		break // higher rungs cannot trigger before this one
	}

	// 3. Trailing stop, once armed.
	if e.trailingArmed(pos) {
		retrace := pos.HighWaterMark * e.cfg.Exit.TrailingPct
		var trigger float64
		if pos.Side == model.SideLong {
			trigger = pos.HighWaterMark - retrace
		} else {
			trigger = pos.HighWaterMark + retrace
		}
		if crossed(pos.Side, price, trigger, false) && pos.Favorable(trigger, pos.StopLossPrice) {
			return &exitDecision{reason: model.ExitTrailingStop, quantity: pos.RemainingQuantity, rung: -1}
		}
	}

	// 4. Trend reversal.
	if reversed, err := e.feed.TrendReversal(ctx, pos.Symbol, pos.Side); err != nil {
		log.Printf("[WARN] trend check for %s failed: %v", pos.Symbol, err)
	} else if reversed {
		return &exitDecision{reason: model.ExitTrendReversal, quantity: pos.RemainingQuantity, rung: -1}
	}

	// 5. Time limit.
	if pos.HoldingDuration(e.now()) >= time.Duration(e.cfg.Exit.MaxHoldMinutes)*time.Minute {
		return &exitDecision{reason: model.ExitTimeLimit, quantity: pos.RemainingQuantity, rung: -1}
	}

	return nil
}

// trailingArmed reports whether the trailing stop is active for this position.
// With the "last_tp" basis it arms after the first ladder fill; with the
// "entry" basis it is always armed.
func (e *Engine) trailingArmed(pos *model.Position) bool {
	if e.cfg.Exit.TrailingBasis == "entry" {
		return true
	}
	return pos.FilledFraction() > 0
}

// executeExit places the reduce order (with bounded retries on a stable
// client ref), books the realized PnL and updates ledger, store and risk.
func (e *Engine) executeExit(ctx context.Context, pos *model.Position, price float64, dec *exitDecision) error {
	ref := uuid.NewString()
	req := exchange.OrderRequest{
		ClientRef: ref,
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Reduce:    true,
		Type:      exchange.OrderMarket,
		Quantity:  dec.quantity,
	}

	var placeErr error
	for attempt := 0; attempt <= e.cfg.Exchange.MaxRetries; attempt++ {
		if _, placeErr = e.ex.PlaceOrder(ctx, req); placeErr == nil {
			break
		}
		if attempt == e.cfg.Exchange.MaxRetries {
			break
		}
		log.Printf("[WARN] close %s (%s) attempt %d failed: %v",
			pos.Symbol, dec.reason, attempt+1, placeErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		}
	}
	if placeErr != nil {
		e.notify.SystemError(fmt.Sprintf("close order for %s (%s) failed after retries: %v",
			pos.Symbol, dec.reason, placeErr))
		return fmt.Errorf("close %s: %w", pos.Symbol, placeErr)
	}

	pnl, fees := realized(pos, price, dec.quantity, e.cfg.Exchange.FeeRate)

	if dec.rung >= 0 {
		pos.Ladder[dec.rung].Filled = true
		if e.cfg.Exit.TrailingBasis == "last_tp" {
			// Re-anchor the trail at the rung fill so only fresh gains trail.
			pos.HighWaterMark = price
		}
	}
	pos.RemainingQuantity -= dec.quantity
	fullClose := pos.RemainingQuantity <= 1e-9
	if fullClose {
		pos.RemainingQuantity = 0
		pos.Status = model.StatusClosed
	} else {
		pos.Status = model.StatusPartiallyClosed
	}

	marginReleased := pos.Margin * (dec.quantity / pos.OriginalQuantity)
	e.risk.Release(marginReleased)
	e.risk.ApplyFill(pnl)
	e.bookDayStats(pnl)

	trade := &store.TradeRecord{
		OrderRef:    pos.OrderRef,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		ExitReason:  dec.reason,
		Quantity:    dec.quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		RealizedPnL: pnl,
		Fees:        fees,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    e.now(),
	}
	if err := e.store.RecordTrade(trade); err != nil {
		log.Printf("[WARN] record trade for %s failed: %v", pos.Symbol, err)
	}
	e.notify.PositionClosed(trade)
	metrics.ExitsTotal.WithLabelValues(string(dec.reason), string(pos.Side)).Inc()

	var err error
	if fullClose {
		err = e.ledger.Archive(pos.Symbol)
		e.mu.Lock()
		delete(e.danger, pos.Symbol)
		e.mu.Unlock()
	} else {
		err = e.ledger.Update(*pos)
	}
	e.publishRiskGauges()

	log.Printf("[INFO] %s %s closed %.6f @ %.4f (%s): pnl %.2f, fees %.2f, remaining %.6f",
		pos.Side, pos.Symbol, dec.quantity, price, dec.reason, pnl, fees, pos.RemainingQuantity)
	return err
}

// ClosePosition closes whatever remains of a position at market, outside the
// normal exit ladder. Used by reconciliation and the full reset.
func (e *Engine) ClosePosition(ctx context.Context, symbol string, reason model.ExitReason) error {
	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return nil
	}
	price, err := e.ex.FetchTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}
	return e.executeExit(ctx, &pos, price, &exitDecision{
		reason:   reason,
		quantity: pos.RemainingQuantity,
		rung:     -1,
	})
}

// tightenStop recomputes the volatility-scaled stop and moves it only in the
// favorable direction.
func (e *Engine) tightenStop(ctx context.Context, pos *model.Position) {
	atrPct, err := e.feed.ATRPct(ctx, pos.Symbol)
	if err != nil {
		return
	}
	candidate := e.stopPrice(pos.EntryPrice, pos.Side, atrPct)
	if pos.Favorable(candidate, pos.StopLossPrice) {
		pos.StopLossPrice = candidate
	}
}

// stopPrice derives the stop from entry: the fixed distance widened by
// volatility, capped hard.
func (e *Engine) stopPrice(entry float64, side model.Side, atrPct float64) float64 {
	dist := e.cfg.Exit.StopLossPct
	if d := e.cfg.Exit.StopLossATRMul * atrPct; d > dist {
		dist = d
	}
	if dist > e.cfg.Exit.StopLossCapPct {
		dist = e.cfg.Exit.StopLossCapPct
	}
	if side == model.SideLong {
		return entry * (1 - dist)
	}
	return entry * (1 + dist)
}

func (e *Engine) checkLiquidationDanger(pos *model.Position, price float64) {
	if pos.LiquidationPrice <= 0 {
		return
	}
	dist := (price - pos.LiquidationPrice) / price
	if pos.Side == model.SideShort {
		dist = (pos.LiquidationPrice - price) / price
	}

	e.mu.Lock()
	warned := e.danger[pos.Symbol]
	inDanger := dist < e.cfg.Exit.LiqDangerPct
	if inDanger && !warned {
		e.danger[pos.Symbol] = true
	} else if !inDanger && warned {
		delete(e.danger, pos.Symbol)
	}
	e.mu.Unlock()

	if inDanger && !warned {
		msg := fmt.Sprintf("price %.4f is within %.1f%% of liquidation %.4f",
			price, e.cfg.Exit.LiqDangerPct*100, pos.LiquidationPrice)
		log.Printf("[WARN] %s: %s", pos.Symbol, msg)
		e.notify.RiskWarning(pos.Symbol, msg)
	}
}

func (e *Engine) bookDayStats(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pnl > 0 {
		e.wins++
	} else if pnl < 0 {
		e.losses++
	}
	equity := e.risk.State().TotalEquity
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	if dd := e.peakEquity - equity; dd > e.maxDrawdown {
		e.maxDrawdown = dd
	}
}

func (e *Engine) publishRiskGauges() {
	st := e.risk.State()
	metrics.Equity.Set(st.TotalEquity)
	metrics.UsedMargin.Set(st.UsedMargin)
	metrics.DailyRealizedPnL.Set(st.DailyRealizedPnL)
	metrics.OpenPositions.Set(float64(e.ledger.Len()))
}

// crossed reports whether price has reached trigger for the given side.
// profitSide flips the comparison: profit targets sit on the favorable side
// of entry, stops on the adverse side.
func crossed(side model.Side, price, trigger float64, profitSide bool) bool {
	if (side == model.SideLong) == profitSide {
		return price >= trigger
	}
	return price <= trigger
}

func buildLadder(rungs []config.LadderRung, entry float64, side model.Side) []model.LadderRung {
	out := make([]model.LadderRung, len(rungs))
	for i, r := range rungs {
		trigger := entry * (1 + r.OffsetPct)
		if side == model.SideShort {
			trigger = entry * (1 - r.OffsetPct)
		}
		out[i] = model.LadderRung{Fraction: r.Fraction, TriggerPrice: trigger}
	}
	return out
}

func liquidationPrice(entry float64, side model.Side, leverage int) float64 {
	if leverage <= 0 {
		return 0
	}
	if side == model.SideLong {
		return entry * (1 - 1/float64(leverage))
	}
	return entry * (1 + 1/float64(leverage))
}

// realized computes the signed PnL of closing qty at price, net of entry and
// exit fees on that slice.
func realized(pos *model.Position, price, qty, feeRate float64) (pnl, fees float64) {
	gross := (price - pos.EntryPrice) * qty
	if pos.Side == model.SideShort {
		gross = (pos.EntryPrice - price) * qty
	}
	fees = (pos.EntryPrice*qty + price*qty) * feeRate
	return gross - fees, fees
}
