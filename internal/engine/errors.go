package engine

import "errors"

var (
	ErrNilArgument     = errors.New("nil argument")
	ErrSideMismatch    = errors.New("order side does not match book side")
	ErrNotFound        = errors.New("order not found")
	ErrDuplicateOrder  = errors.New("order already resting in book")
	ErrNotRestable     = errors.New("order cannot rest in a book")
	ErrInactiveMarket  = errors.New("market is not active")
	ErrTickerMismatch  = errors.New("order ticker does not match market")
	ErrOrderNotPending = errors.New("order has already been processed")
	ErrInvalidMarket   = errors.New("invalid market parameters")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrMarketExists    = errors.New("market already exists")
)
