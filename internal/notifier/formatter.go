package notifier

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"PerpPilot/internal/model"
	"PerpPilot/internal/store"
)

func money(v float64) string {
	return humanize.CommafWithDigits(v, 2)
}

func signedMoney(v float64) string {
	if v >= 0 {
		return "+" + money(v)
	}
	return money(v)
}

func sideArrow(side model.Side) string {
	if side == model.SideLong {
		return "🟢 LONG"
	}
	return "🔴 SHORT"
}

func formatOpened(p *model.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> x%d\n", sideArrow(p.Side), p.Symbol, p.Leverage)
	fmt.Fprintf(&b, "Entry: %s\n", money(p.EntryPrice))
	fmt.Fprintf(&b, "Size: %.4f (margin %s)\n", p.OriginalQuantity, money(p.Margin))
	fmt.Fprintf(&b, "Stop: %s | Liq: %s", money(p.StopLossPrice), money(p.LiquidationPrice))
	if len(p.Ladder) > 0 {
		b.WriteString("\nTargets:")
		for i, r := range p.Ladder {
			fmt.Fprintf(&b, " TP%d %s (%.0f%%)", i+1, money(r.TriggerPrice), r.Fraction*100)
		}
	}
	return b.String()
}

func formatClosed(t *store.TradeRecord) string {
	emoji := "✅"
	if t.RealizedPnL < 0 {
		emoji = "❌"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> %s closed (%s)\n", emoji, t.Symbol, t.Side, t.ExitReason)
	fmt.Fprintf(&b, "Qty: %.4f @ %s → %s\n", t.Quantity, money(t.EntryPrice), money(t.ExitPrice))
	fmt.Fprintf(&b, "PnL: %s (fees %s)\n", signedMoney(t.RealizedPnL), money(t.Fees))
	fmt.Fprintf(&b, "Held: %s", humanize.RelTime(t.OpenedAt, t.ClosedAt, "", ""))
	return b.String()
}

func formatSyncFinding(f model.SyncFinding) string {
	switch f.Kind {
	case model.FindingGhost:
		return fmt.Sprintf("👻 <b>Ghost position</b>\n%s %s qty %.4f exists on the exchange with no local record. Closing at market.",
			f.Symbol, f.Side, f.Quantity)
	case model.FindingEvaporated:
		return fmt.Sprintf("💨 <b>Evaporated position</b>\n%s %s is tracked locally but gone on the exchange. Removing local record.",
			f.Symbol, f.Side)
	}
	return fmt.Sprintf("sync finding %s for %s", f.Kind, f.Symbol)
}

func formatReset(positionsClosed, ordersCancelled int, equity float64) string {
	return fmt.Sprintf("🔄 <b>System reset complete</b>\nPositions closed: %d\nOrders cancelled: %d\nEquity reinitialized: %s",
		positionsClosed, ordersCancelled, money(equity))
}

func formatDailyReport(d *store.DailySummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Daily report %s</b>\n", d.Date)
	fmt.Fprintf(&b, "PnL: %s over %d trades (%dW/%dL)\n",
		signedMoney(d.RealizedPnL), d.TradeCount, d.Wins, d.Losses)
	fmt.Fprintf(&b, "Max drawdown: %s\n", money(d.MaxDrawdown))
	fmt.Fprintf(&b, "Ending equity: %s", money(d.EndingEquity))
	return b.String()
}

func formatHeartbeat(openPositions int, s model.RiskState) string {
	return fmt.Sprintf("💓 alive | positions: %d | equity: %s | daily PnL: %s | trades today: %d",
		openPositions, money(s.TotalEquity), signedMoney(s.DailyRealizedPnL), s.DailyTradeCount)
}
