package model

import "time"

// FindingKind classifies a ledger/exchange divergence.
type FindingKind string

const (
	// FindingGhost is a position present on the exchange but absent from the
	// ledger as a managed entry.
	FindingGhost FindingKind = "GHOST_POSITION"
	// FindingEvaporated is a managed ledger entry with no exchange
	// counterpart.
	FindingEvaporated FindingKind = "EVAPORATED_POSITION"
)

// SyncFinding is a transient record produced by one reconciliation pass. It
// is consumed by the resulting corrective action and its notification, never
// persisted.
type SyncFinding struct {
	Kind       FindingKind
	Symbol     string
	Side       Side
	Quantity   float64
	DetectedAt time.Time
}
