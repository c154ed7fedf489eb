package notifier

import (
	"PerpPilot/internal/model"
	"PerpPilot/internal/store"
)

// Channel selects which chat a message is routed to.
type Channel string

const (
	ChannelCritical  Channel = "critical"
	ChannelTrades    Channel = "trades"
	ChannelReport    Channel = "report"
	ChannelSystem    Channel = "system"
	ChannelHeartbeat Channel = "heartbeat"
)

// Notifier delivers operational events to a human. Implementations must not
// block the caller; delivery failures are logged, never propagated into the
// trading path.
type Notifier interface {
	PositionOpened(p *model.Position)
	PositionClosed(t *store.TradeRecord)
	RiskWarning(symbol, msg string)
	SyncFinding(f model.SyncFinding)
	ResetCompleted(positionsClosed, ordersCancelled int, equity float64)
	SystemError(msg string)
	DailyReport(d *store.DailySummary)
	Heartbeat(openPositions int, state model.RiskState)
	Close()
}

// NoopNotifier discards all events; used in tests and when Telegram is not
// configured.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) PositionOpened(_ *model.Position)    {}
func (n *NoopNotifier) PositionClosed(_ *store.TradeRecord) {}
func (n *NoopNotifier) RiskWarning(_, _ string)             {}
func (n *NoopNotifier) SyncFinding(_ model.SyncFinding)     {}
func (n *NoopNotifier) ResetCompleted(_, _ int, _ float64)  {}
func (n *NoopNotifier) SystemError(_ string)                {}
func (n *NoopNotifier) DailyReport(_ *store.DailySummary)   {}
func (n *NoopNotifier) Heartbeat(_ int, _ model.RiskState)  {}
func (n *NoopNotifier) Close()                              {}
