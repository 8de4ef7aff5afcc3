package engine

import (
	"fmt"

	. "matchbook/internal/common"

	"github.com/tidwall/btree"
)

// PriceLevels is kept sorted best first for either side, so Min is always the
// top of book.
type PriceLevels = btree.BTreeG[*PriceLevel]

// OrderBook is one side of a market.
//
// A nil *OrderBook reads as an empty book and rejects every write.
type OrderBook struct {
	isBid  bool
	levels *PriceLevels
	index  map[OrderID]*entry
	clock  Clock
}

func newPriceLevels(isBid bool) *PriceLevels {
	less := func(a, b *PriceLevel) bool {
		// Sorted least first.
		return a.price < b.price
	}
	if isBid {
		less = func(a, b *PriceLevel) bool {
			// Sorted greatest first.
			return a.price > b.price
		}
	}
	// Callers serialise access through the owning market.
	return btree.NewBTreeGOptions(less, btree.Options{NoLocks: true})
}

func NewOrderBook(isBid bool) *OrderBook {
	return newOrderBook(isBid, DefaultClock)
}

func newOrderBook(isBid bool, clock Clock) *OrderBook {
	return &OrderBook{
		isBid:  isBid,
		levels: newPriceLevels(isBid),
		index:  make(map[OrderID]*entry),
		clock:  clock,
	}
}

func (book *OrderBook) IsBidSide() bool {
	return book != nil && book.isBid
}

// Side is the order side this book accepts.
func (book *OrderBook) Side() Side {
	if book.IsBidSide() {
		return Buy
	}
	return Sell
}

// AddOrder appends the order's remaining quantity to the tail of the level at
// its limit price, creating the level when needed. A Pending order becomes
// Open once it rests.
func (book *OrderBook) AddOrder(order *Order) error {
	switch {
	case book == nil || order == nil:
		return ErrNilArgument
	case order.Side != book.Side():
		return fmt.Errorf("%w: %v order %d into %v book", ErrSideMismatch, order.Side, order.ID, book.Side())
	case order.Type != LimitOrder:
		return fmt.Errorf("%w: %v order %d", ErrNotRestable, order.Type, order.ID)
	case order.Status.Terminal():
		return fmt.Errorf("%w: order %d is %v", ErrOrderClosed, order.ID, order.Status)
	case order.Price <= 0 || order.Remaining() <= 0:
		return fmt.Errorf("%w: order %d price %d remaining %d",
			ErrInvalidParameter, order.ID, order.Price, order.Remaining())
	}
	if _, ok := book.index[order.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, order.ID)
	}

	now := book.clock.Now()
	e := &entry{
		LiquidityEntry: LiquidityEntry{
			OrderID:   order.ID,
			Quantity:  order.Remaining(),
			Timestamp: now,
		},
		order: order,
	}

	// Levels comparator only accounts for price levels, so we create a dummy
	// price level for the search.
	level, ok := book.levels.Get(&PriceLevel{price: order.Price})
	if !ok {
		level = &PriceLevel{price: order.Price}
		book.levels.Set(level)
	}
	level.push(e)
	book.index[order.ID] = e

	if order.Status == Pending {
		order.Status = Open
		order.UpdatedTime = now
	}
	return nil
}

// RemoveOrder drops the order's liquidity from the book. Empty levels are
// deleted.
func (book *OrderBook) RemoveOrder(id OrderID) error {
	if book == nil {
		return ErrNilArgument
	}
	e, ok := book.index[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	book.unlink(e)
	return nil
}

func (book *OrderBook) unlink(e *entry) {
	level := e.level
	level.unlink(e)
	delete(book.index, e.OrderID)
	if level.count == 0 {
		book.levels.Delete(level)
	}
}

// consume takes quantity off a resting entry, removing it once exhausted.
func (book *OrderBook) consume(e *entry, quantity int64) {
	e.Quantity -= quantity
	e.level.total -= quantity
	if e.Quantity == 0 {
		book.unlink(e)
	}
}

// Order returns the resting order with the given id.
func (book *OrderBook) Order(id OrderID) (*Order, bool) {
	if book == nil {
		return nil, false
	}
	e, ok := book.index[id]
	if !ok {
		return nil, false
	}
	return e.order, true
}

func (book *OrderBook) bestLevel() (*PriceLevel, bool) {
	if book == nil {
		return nil, false
	}
	return book.levels.Min()
}

// BestPrice is the top of book price, or -1 when the book is empty.
func (book *OrderBook) BestPrice() int64 {
	level, ok := book.bestLevel()
	if !ok {
		return -1
	}
	return level.price
}

func (book *OrderBook) BestQuantity() int64 {
	level, ok := book.bestLevel()
	if !ok {
		return 0
	}
	return level.total
}

func (book *OrderBook) QuantityAtPrice(price int64) int64 {
	if book == nil {
		return 0
	}
	level, ok := book.levels.Get(&PriceLevel{price: price})
	if !ok {
		return 0
	}
	return level.total
}

func (book *OrderBook) IsEmpty() bool {
	return book.Depth() == 0
}

// Depth is the number of distinct price levels.
func (book *OrderBook) Depth() int {
	if book == nil {
		return 0
	}
	return book.levels.Len()
}

// Len is the number of resting orders.
func (book *OrderBook) Len() int {
	if book == nil {
		return 0
	}
	return len(book.index)
}

// Clear drops every level and order. Orders are left in whatever state they
// were in.
func (book *OrderBook) Clear() {
	if book == nil {
		return
	}
	book.levels = newPriceLevels(book.isBid)
	book.index = make(map[OrderID]*entry)
}

// FlatPriceLevel is a copy of one price level, safe to hand outside the book.
type FlatPriceLevel struct {
	Price    int64
	Quantity int64
	Orders   []LiquidityEntry
}

// Levels flattens up to n levels, best first. n <= 0 means all levels.
func (book *OrderBook) Levels(n int) []FlatPriceLevel {
	if book == nil {
		return nil
	}
	out := make([]FlatPriceLevel, 0, book.levels.Len())
	book.levels.Scan(func(level *PriceLevel) bool {
		if n > 0 && len(out) >= n {
			return false
		}
		out = append(out, FlatPriceLevel{
			Price:    level.price,
			Quantity: level.total,
			Orders:   level.Entries(),
		})
		return true
	})
	return out
}
