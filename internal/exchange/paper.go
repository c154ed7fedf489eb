package exchange

import (
	"context"
	"fmt"
	"sync"

	"PerpPilot/internal/model"
)

// PaperExchange is an in-memory Exchange used for paper trading and tests.
// Orders fill instantly at the current mark price.
type PaperExchange struct {
	mu         sync.Mutex
	prices     map[string]float64
	positions  map[string]*Position // keyed by symbol+side
	balance    Balance
	openOrders int
	nextID     int
	seenRefs   map[string]string // client ref -> order id, for de-dup

	// Failure injection for tests: each counter fails that many upcoming
	// calls of the matching operation.
	FailPlace  int
	FailCancel int
	FailFetch  int
}

// NewPaperExchange creates a paper exchange with the given starting equity.
func NewPaperExchange(startingEquity float64) *PaperExchange {
	return &PaperExchange{
		prices:    make(map[string]float64),
		positions: make(map[string]*Position),
		balance:   Balance{TotalEquity: startingEquity, AvailableMargin: startingEquity},
		seenRefs:  make(map[string]string),
	}
}

func (p *PaperExchange) Name() string { return "paper" }

func posKey(symbol string, side model.Side) string {
	return symbol + "|" + string(side)
}

// SetPrice sets the mark price used for fills and tickers.
func (p *PaperExchange) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// Seed inserts an exchange-side position directly, bypassing order flow.
// Used to simulate positions the bot does not know about.
func (p *PaperExchange) Seed(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[posKey(pos.Symbol, pos.Side)] = &pos
}

// Drop removes an exchange-side position directly, simulating an external
// liquidation the bot never saw.
func (p *PaperExchange) Drop(symbol string, side model.Side) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, posKey(symbol, side))
}

// SeedOpenOrders sets the count of resting orders reported by cancel-all.
func (p *PaperExchange) SeedOpenOrders(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openOrders = n
}

func (p *PaperExchange) FetchOpenPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailFetch > 0 {
		p.FailFetch--
		return nil, fmt.Errorf("paper: injected fetch failure")
	}
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperExchange) FetchBalance(_ context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperExchange) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientRef == "" {
		return "", fmt.Errorf("paper: missing client ref")
	}
	// De-dup: a retried ref returns the original order without refilling.
	if id, ok := p.seenRefs[req.ClientRef]; ok {
		return id, nil
	}
	if p.FailPlace > 0 {
		p.FailPlace--
		return "", fmt.Errorf("paper: injected order failure")
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper: non-positive quantity %.8f", req.Quantity)
	}
	price, ok := p.prices[req.Symbol]
	if !ok {
		return "", fmt.Errorf("paper: no price for %s", req.Symbol)
	}

	key := posKey(req.Symbol, req.Side)
	if req.Reduce {
		pos, ok := p.positions[key]
		if !ok {
			return "", fmt.Errorf("paper: no %s position in %s to reduce", req.Side, req.Symbol)
		}
		if req.Quantity >= pos.Quantity {
			delete(p.positions, key)
		} else {
			pos.Quantity -= req.Quantity
		}
	} else {
		if pos, ok := p.positions[key]; ok {
			// Average in.
			total := pos.Quantity + req.Quantity
			pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*req.Quantity) / total
			pos.Quantity = total
		} else {
			p.positions[key] = &Position{
				Symbol:     req.Symbol,
				Side:       req.Side,
				Quantity:   req.Quantity,
				EntryPrice: price,
			}
		}
	}

	p.nextID++
	id := fmt.Sprintf("paper-%d", p.nextID)
	p.seenRefs[req.ClientRef] = id
	return id, nil
}

func (p *PaperExchange) CancelAllOrders(_ context.Context, _ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailCancel > 0 {
		p.FailCancel--
		return 0, fmt.Errorf("paper: injected cancel failure")
	}
	n := p.openOrders
	p.openOrders = 0
	return n, nil
}

func (p *PaperExchange) FetchTicker(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("paper: no price for %s", symbol)
	}
	return price, nil
}

// OrderCount reports how many distinct orders have filled.
func (p *PaperExchange) OrderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextID
}
