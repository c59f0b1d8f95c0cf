package feed

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/feedbook/pkg/book"
	"github.com/uhyunpark/feedbook/pkg/ledger"
)

// State is everything one connection generation owns. A fresh State is
// bound per connection and handed to whoever needs it; nothing keeps a
// reference across generations.
type State struct {
	Generation   uint64
	Book         *book.Book
	LastSequence int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newState(parent context.Context, gen uint64) *State {
	ctx, cancel := context.WithCancel(parent)
	return &State{Generation: gen, Book: book.New(), ctx: ctx, cancel: cancel}
}

// Context is cancelled when the generation resets. Work started on behalf
// of this generation must stop once it is done.
func (s *State) Context() context.Context { return s.ctx }

func (s *State) reset() {
	s.cancel()
	s.Book.Reset()
	s.LastSequence = 0
}

// Ticker is the top of book plus the latest trade price.
type Ticker struct {
	Ask       decimal.Decimal     `json:"ask"`
	Bid       decimal.Decimal     `json:"bid"`
	Spread    decimal.Decimal     `json:"spread"`
	LastTrade decimal.NullDecimal `json:"last_trade"`
}

// ComputeTicker returns false when either side of b is empty.
func ComputeTicker(b *book.Book, l *ledger.Ledger) (Ticker, bool) {
	ask, ok := b.Asks().Best()
	if !ok {
		return Ticker{}, false
	}
	bid, ok := b.Bids().Best()
	if !ok {
		return Ticker{}, false
	}
	t := Ticker{Ask: ask, Bid: bid, Spread: ask.Sub(bid)}
	if l != nil {
		if last, ok := l.Last(); ok {
			t.LastTrade = decimal.NewNullDecimal(last.Price)
		}
	}
	return t, true
}
