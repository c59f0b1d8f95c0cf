// Package notify delivers refreshed best-N book levels to downstream
// consumers.
package notify

import (
	"sync"

	"github.com/uhyunpark/feedbook/pkg/book"
)

// Update is the best-N view of one pair after a processed message.
type Update struct {
	Pair      string            `json:"pair"`
	Sequence  int64             `json:"sequence"`
	Timestamp int64             `json:"timestamp"`
	Status    string            `json:"status,omitempty"`
	Asks      []book.PriceLevel `json:"asks"`
	Bids      []book.PriceLevel `json:"bids"`
}

// Sink receives updates on the session goroutine and must not block it.
type Sink interface {
	Publish(u Update)
}

type SinkFunc func(u Update)

func (f SinkFunc) Publish(u Update) { f(u) }

// Fanout keeps an explicit subscriber list per pair.
type Fanout struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Sink
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[string]map[int]Sink)}
}

// Subscribe registers s for pair and returns a func that removes it.
func (f *Fanout) Subscribe(pair string, s Sink) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.subs[pair] == nil {
		f.subs[pair] = make(map[int]Sink)
	}
	f.subs[pair][id] = s
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[pair], id)
		if len(f.subs[pair]) == 0 {
			delete(f.subs, pair)
		}
	}
}

func (f *Fanout) Subscribers(pair string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[pair])
}

func (f *Fanout) Publish(u Update) {
	f.mu.RLock()
	sinks := make([]Sink, 0, len(f.subs[u.Pair]))
	for _, s := range f.subs[u.Pair] {
		sinks = append(sinks, s)
	}
	f.mu.RUnlock()

	for _, s := range sinks {
		s.Publish(u)
	}
}
