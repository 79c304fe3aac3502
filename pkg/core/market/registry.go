package market

import (
	"fmt"
	"sync"
)

// Registry holds every market keyed by symbol. Lifecycle changes funnel
// through Advance so no caller can move a market backward.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	r.markets[m.Symbol] = m
	return nil
}

func (r *Registry) Get(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("market %s not found", symbol)
	}
	return m, nil
}

func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[symbol]
	return exists
}

// List returns a snapshot slice of all markets.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

// ListActive returns markets still open for orders.
func (r *Registry) ListActive() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0)
	for _, m := range r.markets {
		if m.State == Active {
			out = append(out, m)
		}
	}
	return out
}

// Advance moves a market to the next lifecycle stage.
func (r *Registry) Advance(symbol string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("market %s not found", symbol)
	}
	return m.Advance(to)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
