package common

import "sync/atomic"

// OrderID uniquely identifies an order within the process. IDs are assigned
// sequentially and never reused.
type OrderID uint64

// UserID identifies the account that placed an order.
type UserID uint32

var lastOrderID atomic.Uint64

// NextOrderID hands out the next process-unique order id.
func NextOrderID() OrderID {
	return OrderID(lastOrderID.Add(1))
}

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return "unknown"
}

// Opposite returns the side an order of this side trades against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType int

const (
	// Limit orders are an order to buy or sell at a specified price or
	// better. Limit orders may rest on the book until filled.
	LimitOrder OrderType = iota
	// Market orders execute immediately against whatever liquidity is
	// resting. Any unfilled remainder is discarded, never rested.
	MarketOrder
	// Stop orders wait off-book until the last traded price crosses their
	// stop price, then execute as market orders.
	StopOrder
)

func (t OrderType) String() string {
	switch t {
	case LimitOrder:
		return "limit"
	case MarketOrder:
		return "market"
	case StopOrder:
		return "stop"
	}
	return "unknown"
}

type OrderStatus int

const (
	Pending   OrderStatus = iota // Created, not yet admitted to a market.
	Open                         // Resting, waiting, or partially filled.
	Cancelled                    // Terminal.
	Complete                     // Terminal, fully filled.
)

func (s OrderStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Cancelled:
		return "cancelled"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// Terminal reports whether no further fills or cancels can apply.
func (s OrderStatus) Terminal() bool {
	return s == Cancelled || s == Complete
}
