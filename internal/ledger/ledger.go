package ledger

import (
	"fmt"
	"log"
	"sync"

	"PerpPilot/internal/model"
	"PerpPilot/internal/store"
)

// Ledger is the bot's authoritative registry of positions it opened and
// manages. One entry per symbol. Every mutation is written through to the
// store so a restart can rebuild the registry.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*model.Position

	symMu map[string]*sync.Mutex // per-symbol work locks

	store store.Store
}

// New creates an empty ledger backed by the given store.
func New(st store.Store) *Ledger {
	return &Ledger{
		positions: make(map[string]*model.Position),
		symMu:     make(map[string]*sync.Mutex),
		store:     st,
	}
}

// Acquire takes the per-symbol work lock and returns the release func.
// At most one task mutates a symbol's position at a time; different symbols
// proceed concurrently.
func (l *Ledger) Acquire(symbol string) func() {
	l.mu.Lock()
	m, ok := l.symMu[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.symMu[symbol] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Get returns a copy of the position for symbol, or false if none is open.
func (l *Ledger) Get(symbol string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return clonePosition(p), true
}

// Open registers a freshly opened position. The symbol must not already have
// one.
func (l *Ledger) Open(p model.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[p.Symbol]; exists {
		return fmt.Errorf("ledger: position already open for %s", p.Symbol)
	}
	cp := clonePosition(&p)
	l.positions[p.Symbol] = &cp

	if err := l.store.UpsertPosition(&cp); err != nil {
		log.Printf("[WARN] ledger: persist open %s failed: %v", p.Symbol, err)
	}
	return nil
}

// Update replaces the stored state of an existing position after a partial
// fill, stop move or high-water-mark advance.
func (l *Ledger) Update(p model.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[p.Symbol]; !exists {
		return fmt.Errorf("ledger: no open position for %s", p.Symbol)
	}
	cp := clonePosition(&p)
	l.positions[p.Symbol] = &cp

	if err := l.store.UpsertPosition(&cp); err != nil {
		log.Printf("[WARN] ledger: persist update %s failed: %v", p.Symbol, err)
	}
	return nil
}

// Archive removes a fully closed position from the registry and marks it
// CLOSED in the store.
func (l *Ledger) Archive(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, exists := l.positions[symbol]
	if !exists {
		return fmt.Errorf("ledger: no open position for %s", symbol)
	}
	delete(l.positions, symbol)

	p.Status = model.StatusClosed
	if err := l.store.ArchivePosition(p); err != nil {
		log.Printf("[WARN] ledger: archive %s failed: %v", symbol, err)
	}
	return nil
}

// Remove drops a position from the registry without touching the store's
// trade history. Used when the exchange reports the position gone.
func (l *Ledger) Remove(symbol string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, exists := l.positions[symbol]
	if !exists {
		return model.Position{}, false
	}
	delete(l.positions, symbol)

	p.Status = model.StatusClosed
	if err := l.store.ArchivePosition(p); err != nil {
		log.Printf("[WARN] ledger: archive removed %s failed: %v", symbol, err)
	}
	return clonePosition(p), true
}

// Snapshot returns copies of all open positions.
func (l *Ledger) Snapshot() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, clonePosition(p))
	}
	return out
}

// Len reports how many positions are open.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// Clear empties the registry and the store's open set; used by the full reset.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*model.Position)
	if err := l.store.ClearOpenPositions(); err != nil {
		return fmt.Errorf("clear persisted positions: %w", err)
	}
	return nil
}

// Restore loads the persisted open set after a restart. Existing in-memory
// entries win over persisted ones.
func (l *Ledger) Restore() (int, error) {
	persisted, err := l.store.LoadOpenPositions()
	if err != nil {
		return 0, fmt.Errorf("load persisted positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	for i := range persisted {
		p := persisted[i]
		if _, exists := l.positions[p.Symbol]; exists {
			continue
		}
		cp := clonePosition(&p)
		l.positions[p.Symbol] = &cp
		restored++
	}
	if restored > 0 {
		log.Printf("[INFO] ledger: restored %d open positions from store", restored)
	}
	return restored, nil
}

func clonePosition(p *model.Position) model.Position {
	cp := *p
	cp.Ladder = make([]model.LadderRung, len(p.Ladder))
	copy(cp.Ladder, p.Ladder)
	return cp
}
