// Package reconcile keeps the local ledger and the exchange in agreement.
// The exchange is the source of truth for what exists; the ledger is the
// source of truth for what we intended.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"PerpPilot/internal/engine"
	"PerpPilot/internal/exchange"
	"PerpPilot/internal/ledger"
	"PerpPilot/internal/metrics"
	"PerpPilot/internal/model"
	"PerpPilot/internal/notifier"
	"PerpPilot/internal/risk"
	"PerpPilot/internal/store"
)

// Reconciler runs the periodic sync check and the full system reset.
type Reconciler struct {
	ex     exchange.Exchange
	ledger *ledger.Ledger
	risk   *risk.Manager
	store  store.Store
	notify notifier.Notifier
	engine *engine.Engine

	maxRetries     int
	startingEquity float64
}

// New wires a reconciler.
func New(ex exchange.Exchange, ldg *ledger.Ledger, rm *risk.Manager,
	st store.Store, nt notifier.Notifier, eng *engine.Engine,
	maxRetries int, startingEquity float64) *Reconciler {
	return &Reconciler{
		ex:             ex,
		ledger:         ldg,
		risk:           rm,
		store:          st,
		notify:         nt,
		engine:         eng,
		maxRetries:     maxRetries,
		startingEquity: startingEquity,
	}
}

// SyncCheck compares the exchange's open positions against the ledger and
// repairs both directions of disagreement:
//
//   - a position on the exchange with no ledger entry is a ghost: it is
//     closed at market, because nothing will ever manage its exit;
//   - a ledger entry with no exchange position has evaporated (liquidated or
//     closed out-of-band): the stale entry is removed so the symbol frees up.
//
// It also adopts the exchange's balance numbers. SyncCheck is idempotent:
// a clean second run finds nothing.
func (r *Reconciler) SyncCheck(ctx context.Context) ([]model.SyncFinding, error) {
	exchangePositions, err := r.ex.FetchOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange positions: %w", err)
	}

	onExchange := make(map[string]exchange.Position, len(exchangePositions))
	for _, p := range exchangePositions {
		onExchange[p.Symbol] = p
	}
	tracked := make(map[string]model.Position)
	for _, p := range r.ledger.Snapshot() {
		tracked[p.Symbol] = p
	}

	var findings []model.SyncFinding

	for symbol, exPos := range onExchange {
		if _, ok := tracked[symbol]; ok {
			continue
		}
		// An entry opened between the exchange fetch and the snapshot is not
		// a ghost. Re-check under the symbol lock so a concurrent open cannot
		// slip in before the close.
		release := r.ledger.Acquire(symbol)
		if _, ok := r.ledger.Get(symbol); ok {
			release()
			continue
		}
		f := model.SyncFinding{
			Kind:       model.FindingGhost,
			Symbol:     symbol,
			Side:       exPos.Side,
			Quantity:   exPos.Quantity,
			DetectedAt: time.Now(),
		}
		findings = append(findings, f)
		log.Printf("[WARN] ghost position: %s %s qty %.6f on exchange, not in ledger; closing",
			exPos.Side, symbol, exPos.Quantity)
		metrics.SyncFindingsTotal.WithLabelValues(string(model.FindingGhost)).Inc()
		r.notify.SyncFinding(f)

		err := r.closeGhost(ctx, exPos)
		release()
		if err != nil {
			return findings, fmt.Errorf("close ghost %s: %w", symbol, err)
		}
	}

	for symbol, pos := range tracked {
		if _, ok := onExchange[symbol]; ok {
			continue
		}
		f := model.SyncFinding{
			Kind:       model.FindingEvaporated,
			Symbol:     symbol,
			Side:       pos.Side,
			Quantity:   pos.RemainingQuantity,
			DetectedAt: time.Now(),
		}
		findings = append(findings, f)
		log.Printf("[WARN] evaporated position: %s %s in ledger, gone on exchange; removing",
			pos.Side, symbol)
		metrics.SyncFindingsTotal.WithLabelValues(string(model.FindingEvaporated)).Inc()
		r.notify.SyncFinding(f)

		release := r.ledger.Acquire(symbol)
		if removed, ok := r.ledger.Remove(symbol); ok {
			// Margin held by the vanished position will never come back
			// through a close fill; free it here.
			r.risk.Release(removed.Margin * removed.RemainingQuantity / removed.OriginalQuantity)
		}
		release()
	}

	if balance, err := r.ex.FetchBalance(ctx); err != nil {
		log.Printf("[WARN] sync balance failed: %v", err)
	} else {
		r.risk.SyncBalance(balance.TotalEquity, balance.AvailableMargin)
	}

	return findings, nil
}

// closeGhost market-closes an exchange position the ledger never tracked.
func (r *Reconciler) closeGhost(ctx context.Context, p exchange.Position) error {
	ref := uuid.NewString()
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if _, lastErr = r.ex.PlaceOrder(ctx, exchange.OrderRequest{
			ClientRef: ref,
			Symbol:    p.Symbol,
			Side:      p.Side,
			Reduce:    true,
			Type:      exchange.OrderMarket,
			Quantity:  p.Quantity,
		}); lastErr == nil {
			return nil
		}
		if attempt == r.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		}
	}
	return lastErr
}

// ResetSummary reports what a full reset touched.
type ResetSummary struct {
	PositionsClosed int
	OrdersCancelled int
	Equity          float64
}

// Reset performs the full recovery sequence: close every position, cancel
// every order, verify the exchange is flat, clear the ledger, reinitialize
// the risk state from the exchange balance and notify the summary.
//
// Each step only runs after the previous one verified. A Reset that returns
// an error leaves the system in an unknown state; the caller must halt
// trading rather than resume.
func (r *Reconciler) Reset(ctx context.Context) (ResetSummary, error) {
	var sum ResetSummary
	log.Println("[INFO] full reset: starting")

	// Step 1: close tracked positions through the engine so PnL is booked.
	for _, pos := range r.ledger.Snapshot() {
		release := r.ledger.Acquire(pos.Symbol)
		err := r.engine.ClosePosition(ctx, pos.Symbol, model.ExitReset)
		release()
		if err != nil {
			return sum, fmt.Errorf("reset: close %s: %w", pos.Symbol, err)
		}
		sum.PositionsClosed++
	}

	// Untracked exchange positions get closed directly.
	exchangePositions, err := r.ex.FetchOpenPositions(ctx)
	if err != nil {
		return sum, fmt.Errorf("reset: fetch positions: %w", err)
	}
	for _, p := range exchangePositions {
		if err := r.closeGhost(ctx, p); err != nil {
			return sum, fmt.Errorf("reset: close untracked %s: %w", p.Symbol, err)
		}
		sum.PositionsClosed++
	}

	// Step 2: cancel all resting orders.
	cancelled, err := r.ex.CancelAllOrders(ctx, "")
	if err != nil {
		return sum, fmt.Errorf("reset: cancel orders: %w", err)
	}
	sum.OrdersCancelled = cancelled

	// Step 3: verify the exchange reports zero open positions.
	if err := r.verifyFlat(ctx); err != nil {
		return sum, fmt.Errorf("reset: %w", err)
	}

	// Step 4: clear the local ledger and its persisted open set.
	if err := r.ledger.Clear(); err != nil {
		return sum, fmt.Errorf("reset: clear ledger: %w", err)
	}

	// Step 5: reinitialize equity from the exchange, falling back to the
	// configured starting equity when the balance is unavailable.
	equity := r.startingEquity
	if balance, err := r.ex.FetchBalance(ctx); err != nil {
		log.Printf("[WARN] reset: balance fetch failed, using configured equity: %v", err)
	} else if balance.TotalEquity > 0 {
		equity = balance.TotalEquity
	}
	r.risk.ResetDaily(equity)
	sum.Equity = equity

	metrics.ResetsTotal.Inc()
	r.notify.ResetCompleted(sum.PositionsClosed, sum.OrdersCancelled, equity)
	log.Printf("[INFO] full reset: done, %d positions closed, %d orders cancelled, equity %.2f",
		sum.PositionsClosed, sum.OrdersCancelled, equity)
	return sum, nil
}

// verifyFlat polls until the exchange reports no open positions, with bounded
// retries.
func (r *Reconciler) verifyFlat(ctx context.Context) error {
	var open int
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		positions, err := r.ex.FetchOpenPositions(ctx)
		if err != nil {
			return fmt.Errorf("verify flat: %w", err)
		}
		open = len(positions)
		if open == 0 {
			return nil
		}
		if attempt == r.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		}
	}
	return fmt.Errorf("verify flat: %d positions still open after %d checks", open, r.maxRetries+1)
}
