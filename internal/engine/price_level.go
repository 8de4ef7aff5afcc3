package engine

import (
	"time"

	. "matchbook/internal/common"
)

// LiquidityEntry is the unfilled remainder of one resting order.
type LiquidityEntry struct {
	OrderID   OrderID
	Quantity  int64
	Timestamp time.Time // Time the order joined the level
}

type entry struct {
	LiquidityEntry
	order *Order
	level *PriceLevel
	prev  *entry
	next  *entry
}

// PriceLevel is a FIFO queue of resting liquidity at a single price. The
// queue is intrusive so that any entry can be unlinked in O(1) through the
// book's index.
type PriceLevel struct {
	price int64
	total int64 // Sum of entry quantities
	count int
	head  *entry
	tail  *entry
}

func (l *PriceLevel) Price() int64         { return l.price }
func (l *PriceLevel) TotalQuantity() int64 { return l.total }
func (l *PriceLevel) Len() int             { return l.count }

func (l *PriceLevel) push(e *entry) {
	e.level = l
	if l.head == nil {
		l.head = e
		l.tail = e
	} else {
		l.tail.next = e
		e.prev = l.tail
		l.tail = e
	}
	l.total += e.Quantity
	l.count++
}

func (l *PriceLevel) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	l.total -= e.Quantity
	l.count--
	e.prev, e.next, e.level = nil, nil, nil
}

// Entries returns the level's liquidity in time priority.
func (l *PriceLevel) Entries() []LiquidityEntry {
	out := make([]LiquidityEntry, 0, l.count)
	for e := l.head; e != nil; e = e.next {
		out = append(out, e.LiquidityEntry)
	}
	return out
}
