package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// centsExp is the exponent of the smallest price increment.
const centsExp = -2

// FormatCents renders an integer cent amount as a fixed two place decimal.
func FormatCents(cents int64) string {
	return decimal.New(cents, centsExp).StringFixed(-centsExp)
}

// ParseCents converts a decimal amount such as "300.25" to cents. Amounts
// with more precision than a cent are rejected.
func ParseCents(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, err
	}
	cents := d.Shift(-centsExp)
	if !cents.IsInteger() {
		return 0, ErrInvalidParameter
	}
	return cents.IntPart(), nil
}

// TradeEvent is the external representation of a trade used by the
// streaming and publishing outputs.
type TradeEvent struct {
	ID           string    `json:"id"`
	Ticker       string    `json:"ticker"`
	MakerOrderID OrderID   `json:"maker_order_id"`
	TakerOrderID OrderID   `json:"taker_order_id"`
	MakerUserID  UserID    `json:"maker_user_id"`
	TakerUserID  UserID    `json:"taker_user_id"`
	TakerSide    string    `json:"taker_side"`
	Quantity     int64     `json:"quantity"`
	Price        int64     `json:"price"`
	PriceDisplay string    `json:"price_display"`
	Notional     string    `json:"notional"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewTradeEvent(trade Trade) TradeEvent {
	return TradeEvent{
		ID:           trade.ID.String(),
		Ticker:       trade.Ticker,
		MakerOrderID: trade.MakerID,
		TakerOrderID: trade.TakerID,
		MakerUserID:  trade.MakerUser,
		TakerUserID:  trade.TakerUser,
		TakerSide:    trade.TakerSide().String(),
		Quantity:     trade.Size(),
		Price:        trade.Price,
		PriceDisplay: FormatCents(trade.Price),
		Notional:     FormatCents(trade.Size() * trade.Price),
		Timestamp:    trade.Timestamp,
	}
}
