package book

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Book pairs the ask and bid sides of one market and routes orders to the
// side they belong to.
//
// A Book belongs to exactly one stream session generation and is not safe
// for concurrent use.
type Book struct {
	asks *Orders
	bids *Orders
}

func New() *Book {
	return &Book{
		asks: NewOrders(Ask),
		bids: NewOrders(Bid),
	}
}

func (b *Book) Asks() *Orders { return b.asks }
func (b *Book) Bids() *Orders { return b.bids }

func (b *Book) side(s Side) (*Orders, error) {
	switch s {
	case Ask:
		return b.asks, nil
	case Bid:
		return b.bids, nil
	default:
		return nil, fmt.Errorf("%w: unknown side %d", ErrSideMismatch, int(s))
	}
}

// Add applies orders in the given order. It stops at the first failing
// order; orders before it stay in the book.
func (b *Book) Add(orders ...Order) error {
	for _, o := range orders {
		target, err := b.side(o.Side)
		if err != nil {
			return fmt.Errorf("order %s: %w", o.ID, err)
		}
		if err := target.Add(o); err != nil {
			return err
		}
	}
	return nil
}

// Install replaces the book content with a full snapshot. Orders take the
// side of the array they arrive in.
func (b *Book) Install(asks, bids []Order) error {
	b.Reset()
	for _, o := range asks {
		o.Side = Ask
		if err := b.asks.Add(o); err != nil {
			return err
		}
	}
	for _, o := range bids {
		o.Side = Bid
		if err := b.bids.Add(o); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the side holding id.
func (b *Book) Find(id string) (*Orders, error) {
	inAsks, inBids := b.asks.Has(id), b.bids.Has(id)
	switch {
	case inAsks && inBids:
		return nil, fmt.Errorf("%w: %s", ErrCrossSideCollision, id)
	case inAsks:
		return b.asks, nil
	case inBids:
		return b.bids, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
}

// Order looks id up on whichever side holds it.
func (b *Book) Order(id string) (Order, error) {
	side, err := b.Find(id)
	if err != nil {
		return Order{}, err
	}
	o, _ := side.Get(id)
	return o, nil
}

// Trade reduces the resting order id by volume. Unknown ids are ignored.
func (b *Book) Trade(id string, volume decimal.Decimal) error {
	side, err := b.Find(id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil
		}
		return err
	}
	return side.Reduce(id, volume)
}

func (b *Book) Delete(id string) error {
	side, err := b.Find(id)
	if err != nil {
		return err
	}
	return side.Delete(id)
}

func (b *Book) TopAsks(n int) []PriceLevel { return b.asks.Prices(n) }
func (b *Book) TopBids(n int) []PriceLevel { return b.bids.Prices(n) }

func (b *Book) Reset() {
	b.asks.Reset()
	b.bids.Reset()
}
