package store

import "PerpPilot/internal/model"

// NoopStore is a no-op implementation used when SQLite is not configured.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (n *NoopStore) UpsertPosition(_ *model.Position) error       { return nil }
func (n *NoopStore) ArchivePosition(_ *model.Position) error      { return nil }
func (n *NoopStore) LoadOpenPositions() ([]model.Position, error) { return nil, nil }
func (n *NoopStore) ClearOpenPositions() error                    { return nil }
func (n *NoopStore) RecordTrade(_ *TradeRecord) error             { return nil }
func (n *NoopStore) RecordDailySummary(_ *DailySummary) error     { return nil }
func (n *NoopStore) Close() error                                 { return nil }
