package book

import (
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const nilIndex int32 = -1

// node is an arena slot. prev/next link it into its price level's FIFO.
type node struct {
	order Order
	level *level
	prev  int32
	next  int32
}

type level struct {
	price  decimal.Decimal
	key    string
	volume decimal.Decimal
	head   int32
	tail   int32
	count  int
}

// Orders is one side of the book. Orders are kept in price-time priority:
// price levels are ordered best-first in a btree (asks ascending, bids
// descending) and every level holds its orders in arrival order.
//
// Orders live in an arena addressed by stable indices; the id index maps
// straight to the arena slot so delete and reduce never scan.
//
// Orders is not safe for concurrent use.
type Orders struct {
	side   Side
	nodes  []node
	free   []int32
	index  map[string]int32
	levels map[string]*level
	prices *btree.BTreeG[*level]
}

func NewOrders(side Side) *Orders {
	o := &Orders{side: side}
	o.init()
	return o
}

func (o *Orders) init() {
	less := func(a, b *level) bool { return a.price.LessThan(b.price) }
	if o.side == Bid {
		less = func(a, b *level) bool { return a.price.GreaterThan(b.price) }
	}
	o.nodes = o.nodes[:0]
	o.free = o.free[:0]
	o.index = make(map[string]int32)
	o.levels = make(map[string]*level)
	o.prices = btree.NewG[*level](16, less)
}

func (o *Orders) Side() Side { return o.side }

// Add rests order at the back of its price level.
func (o *Orders) Add(order Order) error {
	if _, ok := o.index[order.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrderID, order.ID)
	}
	if order.Side != o.side {
		return fmt.Errorf("%w: order %s is %s, book side is %s", ErrSideMismatch, order.ID, order.Side, o.side)
	}

	lvl := o.upsertLevel(order.Price)
	idx := o.alloc()
	n := &o.nodes[idx]
	n.order = order
	n.level = lvl
	n.prev = lvl.tail
	n.next = nilIndex

	if lvl.tail == nilIndex {
		lvl.head = idx
	} else {
		o.nodes[lvl.tail].next = idx
	}
	lvl.tail = idx
	lvl.count++
	lvl.volume = lvl.volume.Add(order.Volume)

	o.index[order.ID] = idx
	return nil
}

// Reduce subtracts amount from the order's volume. An order whose volume
// drops to zero or below leaves the book; its level only gives up what the
// order actually held, so a level's volume is always the sum of its members.
func (o *Orders) Reduce(id string, amount decimal.Decimal) error {
	idx, ok := o.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	n := &o.nodes[idx]
	lvl := n.level

	remaining := n.order.Volume.Sub(amount)
	if remaining.Sign() <= 0 {
		lvl.volume = lvl.volume.Sub(n.order.Volume)
		o.unlink(idx)
	} else {
		n.order.Volume = remaining
		lvl.volume = lvl.volume.Sub(amount)
	}

	if lvl.count == 0 || lvl.volume.Sign() <= 0 {
		o.dropLevel(lvl)
	}
	return nil
}

// Delete removes the order by reducing it by its full remaining volume.
func (o *Orders) Delete(id string) error {
	idx, ok := o.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o.Reduce(id, o.nodes[idx].order.Volume)
}

func (o *Orders) Get(id string) (Order, bool) {
	idx, ok := o.index[id]
	if !ok {
		return Order{}, false
	}
	return o.nodes[idx].order, true
}

func (o *Orders) Has(id string) bool {
	_, ok := o.index[id]
	return ok
}

// Best returns the best resting price on this side.
func (o *Orders) Best() (decimal.Decimal, bool) {
	lvl, ok := o.prices.Min()
	if !ok {
		return decimal.Decimal{}, false
	}
	return lvl.price, true
}

// Prices returns price levels best-first. A limit <= 0 returns all levels.
func (o *Orders) Prices(limit int) []PriceLevel {
	n := o.prices.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PriceLevel, 0, n)
	o.prices.Ascend(func(lvl *level) bool {
		if len(out) == n {
			return false
		}
		ids := make([]string, 0, lvl.count)
		for i := lvl.head; i != nilIndex; i = o.nodes[i].next {
			ids = append(ids, o.nodes[i].order.ID)
		}
		out = append(out, PriceLevel{Price: lvl.price, Volume: lvl.volume, IDs: ids})
		return true
	})
	return out
}

// Top returns up to n orders in priority order.
func (o *Orders) Top(n int) []Order {
	if n <= 0 {
		return nil
	}
	out := make([]Order, 0, min(n, len(o.index)))
	o.prices.Ascend(func(lvl *level) bool {
		for i := lvl.head; i != nilIndex; i = o.nodes[i].next {
			if len(out) == n {
				return false
			}
			out = append(out, o.nodes[i].order)
		}
		return len(out) < n
	})
	return out
}

// Count is the number of resting orders.
func (o *Orders) Count() int { return len(o.index) }

// Size is the number of distinct price levels.
func (o *Orders) Size() int { return o.prices.Len() }

func (o *Orders) Reset() { o.init() }

func (o *Orders) upsertLevel(price decimal.Decimal) *level {
	key := price.String()
	if lvl, ok := o.levels[key]; ok {
		return lvl
	}
	lvl := &level{price: price, key: key, head: nilIndex, tail: nilIndex}
	o.levels[key] = lvl
	o.prices.ReplaceOrInsert(lvl)
	return lvl
}

// dropLevel removes the level together with any members still linked to it.
// Members can only remain when they carry zero volume.
func (o *Orders) dropLevel(lvl *level) {
	for i := lvl.head; i != nilIndex; {
		next := o.nodes[i].next
		o.unlink(i)
		i = next
	}
	delete(o.levels, lvl.key)
	o.prices.Delete(lvl)
}

func (o *Orders) unlink(idx int32) {
	n := &o.nodes[idx]
	lvl := n.level
	if n.prev != nilIndex {
		o.nodes[n.prev].next = n.next
	} else {
		lvl.head = n.next
	}
	if n.next != nilIndex {
		o.nodes[n.next].prev = n.prev
	} else {
		lvl.tail = n.prev
	}
	lvl.count--

	delete(o.index, n.order.ID)
	*n = node{prev: nilIndex, next: nilIndex}
	o.free = append(o.free, idx)
}

func (o *Orders) alloc() int32 {
	if k := len(o.free); k > 0 {
		idx := o.free[k-1]
		o.free = o.free[:k-1]
		return idx
	}
	o.nodes = append(o.nodes, node{})
	return int32(len(o.nodes) - 1)
}
