package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/feedbook/pkg/candles"
	"github.com/uhyunpark/feedbook/pkg/feed"
	"github.com/uhyunpark/feedbook/pkg/ledger"
)

// Market is everything the engine owns for one pair. Nothing in it is
// shared with another pair.
type Market struct {
	Pair    string
	Session *feed.Session
	Ledger  *ledger.Ledger

	intervals []int64
	series    map[int64]*candles.Series
}

// Intervals returns the candle intervals in ascending order.
func (m *Market) Intervals() []int64 {
	return append([]int64(nil), m.intervals...)
}

func (m *Market) Series(interval int64) (*candles.Series, bool) {
	s, ok := m.series[interval]
	return s, ok
}

// Registry manages markets by pair in a thread-safe manner
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register adds m. Returns error if the pair is already registered.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Pair]; exists {
		return fmt.Errorf("market %s already registered", m.Pair)
	}
	r.markets[m.Pair] = m
	return nil
}

func (r *Registry) Get(pair string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[pair]
	if !exists {
		return nil, fmt.Errorf("market %s not found", pair)
	}
	return m, nil
}

// List returns all markets sorted by pair.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Pair < markets[j].Pair })
	return markets
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

func (r *Registry) Exists(pair string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[pair]
	return exists
}
