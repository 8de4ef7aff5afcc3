package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trade records one match between a resting (maker) order and an incoming
// (taker) order. Quantity is negative when the taker sold and Value is
// negative when the taker bought, so both read as flows from the taker's
// point of view.
type Trade struct {
	ID        uuid.UUID
	Ticker    string
	MakerID   OrderID
	TakerID   OrderID
	MakerUser UserID
	TakerUser UserID
	Quantity  int64
	Value     int64
	Price     int64
	Timestamp time.Time
}

// NewTrade builds a trade for size units at price with the sign convention
// derived from the taker's side.
func NewTrade(ticker string, maker, taker *Order, size, price int64, ts time.Time) Trade {
	qty, value := size, size*price
	if taker.Side == Buy {
		value = -value
	} else {
		qty = -qty
	}
	return Trade{
		ID:        uuid.New(),
		Ticker:    ticker,
		MakerID:   maker.ID,
		TakerID:   taker.ID,
		MakerUser: maker.UserID,
		TakerUser: taker.UserID,
		Quantity:  qty,
		Value:     value,
		Price:     price,
		Timestamp: ts,
	}
}

// Size is the unsigned traded quantity.
func (t Trade) Size() int64 {
	if t.Quantity < 0 {
		return -t.Quantity
	}
	return t.Quantity
}

func (t Trade) TakerSide() Side {
	if t.Quantity < 0 {
		return Sell
	}
	return Buy
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`ID:        %s
Ticker:    %s
Maker:     %d (user %d)
Taker:     %d (user %d, %v)
Size:      %d
Price:     %d
Timestamp: %v`,
		t.ID,
		t.Ticker,
		t.MakerID, t.MakerUser,
		t.TakerID, t.TakerUser, t.TakerSide(),
		t.Size(),
		t.Price,
		t.Timestamp.Format(time.RFC3339Nano),
	)
}
