package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidParameter = errors.New("invalid order parameter")
	ErrInvalidFill      = errors.New("fill quantity must be positive")
	ErrOverfill         = errors.New("fill exceeds remaining quantity")
	ErrOrderClosed      = errors.New("order is no longer live")
)

type Order struct {
	ID             OrderID     // Process-unique id
	UserID         UserID      // Who owns this order
	Ticker         string      // Market symbol, e.g. "BTC/USD"
	Side           Side        // Order side
	Type           OrderType   //
	Quantity       int64       // Total quantity requested
	FilledQuantity int64       // Quantity executed so far
	Price          int64       // Limit price in cents; retained but unused for market orders
	StopPrice      int64       // Trigger price for stop orders
	Status         OrderStatus //
	CreatedTime    time.Time   // Time the order was created
	UpdatedTime    time.Time   // Time of the last state change
}

// NewOrder validates the parameters and returns a Pending order stamped with a
// fresh id. For stop orders price doubles as the stop price.
func NewOrder(
	userID UserID,
	ticker string,
	side Side,
	orderType OrderType,
	quantity int64,
	price int64,
) (*Order, error) {
	return NewOrderAt(DefaultClock, userID, ticker, side, orderType, quantity, price)
}

// NewOrderAt is NewOrder with an explicit clock.
func NewOrderAt(
	clock Clock,
	userID UserID,
	ticker string,
	side Side,
	orderType OrderType,
	quantity int64,
	price int64,
) (*Order, error) {
	switch {
	case userID == 0:
		return nil, fmt.Errorf("%w: user id is zero", ErrInvalidParameter)
	case ticker == "":
		return nil, fmt.Errorf("%w: empty ticker", ErrInvalidParameter)
	case quantity <= 0:
		return nil, fmt.Errorf("%w: quantity %d", ErrInvalidParameter, quantity)
	case side != Buy && side != Sell:
		return nil, fmt.Errorf("%w: side %d", ErrInvalidParameter, side)
	}

	var stopPrice int64
	switch orderType {
	case LimitOrder:
		if price <= 0 {
			return nil, fmt.Errorf("%w: limit price %d", ErrInvalidParameter, price)
		}
	case StopOrder:
		if price <= 0 {
			return nil, fmt.Errorf("%w: stop price %d", ErrInvalidParameter, price)
		}
		stopPrice = price
	case MarketOrder:
	default:
		return nil, fmt.Errorf("%w: order type %d", ErrInvalidParameter, orderType)
	}

	now := clock.Now()
	return &Order{
		ID:          NextOrderID(),
		UserID:      userID,
		Ticker:      ticker,
		Side:        side,
		Type:        orderType,
		Quantity:    quantity,
		Price:       price,
		StopPrice:   stopPrice,
		Status:      Pending,
		CreatedTime: now,
		UpdatedTime: now,
	}, nil
}

// Cancel moves a Pending or Open order to Cancelled. Cancelling a terminal
// order is a no-op and reports false.
func (o *Order) Cancel() bool {
	return o.CancelAt(DefaultClock.Now())
}

func (o *Order) CancelAt(now time.Time) bool {
	if o == nil || o.Status.Terminal() {
		return false
	}
	o.Status = Cancelled
	o.UpdatedTime = now
	return true
}

// Fill records an execution of quantity at price. The order is left untouched
// when the fill is rejected.
func (o *Order) Fill(quantity, price int64) error {
	return o.FillAt(quantity, price, DefaultClock.Now())
}

func (o *Order) FillAt(quantity, price int64, now time.Time) error {
	switch {
	case o == nil:
		return ErrInvalidParameter
	case quantity <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidFill, quantity)
	case o.Status == Cancelled:
		return ErrOrderClosed
	case o.FilledQuantity+quantity > o.Quantity:
		return fmt.Errorf("%w: %d filled of %d, fill %d @ %d",
			ErrOverfill, o.FilledQuantity, o.Quantity, quantity, price)
	}

	o.FilledQuantity += quantity
	o.UpdatedTime = now
	if o.FilledQuantity == o.Quantity {
		o.Status = Complete
	} else {
		o.Status = Open
	}
	return nil
}

// Remaining is the quantity still to be filled.
func (o *Order) Remaining() int64 {
	if o == nil {
		return 0
	}
	return max(o.Quantity-o.FilledQuantity, 0)
}

func (o *Order) IsFilled() bool {
	return o != nil && o.FilledQuantity == o.Quantity
}

func (o Order) String() string {
	return fmt.Sprintf(
		`ID:          %d
UserID:      %d
Ticker:      %s
Side:        %v
Type:        %v
Price:       %d
StopPrice:   %d
Quantity:    %d (Filled: %d)
Status:      %v
Created:     %v
Updated:     %v`,
		o.ID,
		o.UserID,
		o.Ticker,
		o.Side,
		o.Type,
		o.Price,
		o.StopPrice,
		o.Quantity,
		o.FilledQuantity,
		o.Status,
		o.CreatedTime.Format(time.RFC3339Nano),
		o.UpdatedTime.Format(time.RFC3339Nano),
	)
}
