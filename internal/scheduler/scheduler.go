// Package scheduler drives the periodic work: position ticks, sync checks,
// the daily reset and the heartbeat. Symbols tick concurrently under their
// own locks; the full reset runs under a global maintenance lock that
// excludes every other task.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"PerpPilot/internal/config"
	"PerpPilot/internal/engine"
	"PerpPilot/internal/ledger"
	"PerpPilot/internal/notifier"
	"PerpPilot/internal/reconcile"
	"PerpPilot/internal/risk"
	"PerpPilot/internal/store"
)

type Scheduler struct {
	cfg    *config.Config
	engine *engine.Engine
	rec    *reconcile.Reconciler
	ledger *ledger.Ledger
	risk   *risk.Manager
	store  store.Store
	notify notifier.Notifier

	cron  *cron.Cron
	maint sync.RWMutex // write-held only during a full reset

	tickRunning sync.Mutex // skip a cadence instead of stacking overlapping runs
	syncRunning sync.Mutex

	halted atomic.Bool
}

// New wires the scheduler. Start must be called to begin ticking.
func New(cfg *config.Config, eng *engine.Engine, rec *reconcile.Reconciler,
	ldg *ledger.Ledger, rm *risk.Manager, st store.Store, nt notifier.Notifier) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: eng,
		rec:    rec,
		ledger: ldg,
		risk:   rm,
		store:  st,
		notify: nt,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Start restores persisted state, runs one reconciliation pass, then
// registers the periodic jobs and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.ledger.Restore(); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	// Reconcile before trading: the ledger may be stale after downtime.
	if _, err := s.rec.SyncCheck(ctx); err != nil {
		return fmt.Errorf("startup sync check: %w", err)
	}

	specs := []struct {
		spec string
		name string
		fn   func()
	}{
		{fmt.Sprintf("*/%d * * * * *", s.cfg.Schedule.RiskCheckSeconds), "tick",
			func() { s.tickAll(ctx) }},
		{fmt.Sprintf("*/%d * * * * *", s.cfg.Schedule.SyncCheckSeconds), "sync",
			func() { s.syncCheck(ctx) }},
		{dailySpec(s.cfg.Schedule.DailyResetTime), "daily-reset",
			func() { s.dailyReset(ctx) }},
		{"0 0 * * * *", "heartbeat",
			func() { s.heartbeat() }},
	}
	for _, j := range specs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register %s job (%q): %w", j.name, j.spec, err)
		}
	}

	s.cron.Start()
	log.Printf("[INFO] scheduler started: tick every %ds, sync every %ds, reset at %s",
		s.cfg.Schedule.RiskCheckSeconds, s.cfg.Schedule.SyncCheckSeconds,
		s.cfg.Schedule.DailyResetTime)
	return nil
}

// Stop drains running jobs, writes the daily summary and returns.
func (s *Scheduler) Stop() {
	drained := s.cron.Stop()
	select {
	case <-drained.Done():
	case <-time.After(30 * time.Second):
		log.Println("[WARN] scheduler jobs did not drain in time")
	}
	s.writeDailyReport()
	log.Println("[INFO] scheduler stopped")
}

// tickAll runs one decision cycle for every symbol, concurrently. Each symbol
// runs under its own lock so a slow symbol never blocks the others.
func (s *Scheduler) tickAll(ctx context.Context) {
	if s.halted.Load() {
		return
	}
	if !s.tickRunning.TryLock() {
		return
	}
	defer s.tickRunning.Unlock()

	s.maint.RLock()
	defer s.maint.RUnlock()

	var wg sync.WaitGroup
	for _, symbol := range s.cfg.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			release := s.ledger.Acquire(sym)
			defer release()
			if err := s.engine.Evaluate(ctx, sym); err != nil {
				log.Printf("[ERROR] tick %s: %v", sym, err)
			}
		}(symbol)
	}
	wg.Wait()
}

func (s *Scheduler) syncCheck(ctx context.Context) {
	if s.halted.Load() {
		return
	}
	if !s.syncRunning.TryLock() {
		return
	}
	defer s.syncRunning.Unlock()

	s.maint.RLock()
	defer s.maint.RUnlock()

	findings, err := s.rec.SyncCheck(ctx)
	if err != nil {
		log.Printf("[ERROR] sync check: %v", err)
		return
	}
	if len(findings) > 0 {
		log.Printf("[WARN] sync check repaired %d discrepancies", len(findings))
	}
}

// dailyReset is the scheduled entry point. Once halted, the scheduled path
// stays down; only an operator /reset can attempt recovery.
func (s *Scheduler) dailyReset(ctx context.Context) {
	if s.halted.Load() {
		return
	}
	s.runReset(ctx)
}

// runReset reports the day, then runs the full reset under the maintenance
// lock. A failed reset leaves the system in an unknown state, so all trading
// halts until a later reset completes; a successful run clears the halt.
func (s *Scheduler) runReset(ctx context.Context) error {
	s.maint.Lock()
	defer s.maint.Unlock()

	s.writeDailyReport()

	if _, err := s.rec.Reset(ctx); err != nil {
		s.halted.Store(true)
		log.Printf("[FATAL] reset failed, halting all trading: %v", err)
		s.notify.SystemError(fmt.Sprintf(
			"reset failed: %v\nTrading halted. Manual intervention required.", err))
		return err
	}
	if s.halted.Swap(false) {
		log.Println("[INFO] reset succeeded, trading resumed")
	}
	s.engine.ResetDayStats()
	return nil
}

func (s *Scheduler) heartbeat() {
	if s.halted.Load() {
		return
	}
	s.notify.Heartbeat(s.ledger.Len(), s.risk.State())
}

// Halted reports whether the scheduler stopped trading after a failed reset.
func (s *Scheduler) Halted() bool { return s.halted.Load() }

func (s *Scheduler) writeDailyReport() {
	st := s.risk.State()
	wins, losses, maxDD := s.engine.DayStats()
	d := &store.DailySummary{
		Date:         st.Day.Format("2006-01-02"),
		RealizedPnL:  st.DailyRealizedPnL,
		TradeCount:   st.DailyTradeCount,
		Wins:         wins,
		Losses:       losses,
		MaxDrawdown:  maxDD,
		EndingEquity: st.TotalEquity,
	}
	if err := s.store.RecordDailySummary(d); err != nil {
		log.Printf("[WARN] write daily summary: %v", err)
	}
	s.notify.DailyReport(d)
}

// HandleCommand serves the operator chat commands.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	switch command {
	case "/status":
		return s.statusText()
	case "/positions":
		return s.positionsText()
	case "/reset":
		if err := s.runReset(ctx); err != nil {
			return "Reset FAILED. Trading halted, manual intervention required."
		}
		return "Reset complete. Ledger cleared, equity reinitialized."
	case "/help":
		return "/status - risk state\n/positions - open positions\n/reset - full system reset"
	default:
		return ""
	}
}

func (s *Scheduler) statusText() string {
	st := s.risk.State()
	var b strings.Builder
	if s.halted.Load() {
		b.WriteString("🛑 HALTED (reset failure)\n")
	}
	fmt.Fprintf(&b, "Equity: %s\n", humanize.CommafWithDigits(st.TotalEquity, 2))
	fmt.Fprintf(&b, "Used margin: %s\n", humanize.CommafWithDigits(st.UsedMargin, 2))
	fmt.Fprintf(&b, "Daily PnL: %s\n", humanize.CommafWithDigits(st.DailyRealizedPnL, 2))
	fmt.Fprintf(&b, "Trades today: %d\n", st.DailyTradeCount)
	fmt.Fprintf(&b, "Loss streak: %d\n", st.ConsecutiveLosses)
	fmt.Fprintf(&b, "Open positions: %d", s.ledger.Len())
	return b.String()
}

func (s *Scheduler) positionsText() string {
	positions := s.ledger.Snapshot()
	if len(positions) == 0 {
		return "No open positions."
	}
	var b strings.Builder
	for _, p := range positions {
		filled := 0
		for _, r := range p.Ladder {
			if r.Filled {
				filled++
			}
		}
		fmt.Fprintf(&b, "%s %s x%d qty %.4f @ %.4f (stop %.4f, %d/%d TP)\n",
			p.Side, p.Symbol, p.Leverage, p.RemainingQuantity, p.EntryPrice,
			p.StopLossPrice, filled, len(p.Ladder))
	}
	return strings.TrimRight(b.String(), "\n")
}

// dailySpec converts "HH:MM" into a six-field cron spec.
func dailySpec(hhmm string) string {
	d, err := config.ParseDailyTime(hhmm)
	if err != nil {
		// Validate() already rejected bad values.
		return "0 55 23 * * *"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("0 %d %d * * *", m, h)
}
