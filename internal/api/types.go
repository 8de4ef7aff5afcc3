package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	. "matchbook/internal/common"
	"matchbook/internal/engine"
)

var (
	ErrUnknownSide      = errors.New("unknown side")
	ErrUnknownOrderType = errors.New("unknown order type")
)

type orderRequest struct {
	UserID   UserID `json:"user_id" binding:"required"`
	Side     string `json:"side" binding:"required"`
	Type     string `json:"type" binding:"required"`
	Quantity int64  `json:"quantity" binding:"required"`
	Price    int64  `json:"price"`
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type orderResponse struct {
	Success        bool         `json:"success"`
	OrderID        OrderID      `json:"order_id"`
	Status         string       `json:"status"`
	FilledQuantity int64        `json:"filled_quantity"`
	AveragePrice   int64        `json:"average_price"`
	AverageDisplay string       `json:"average_price_display"`
	Notional       int64        `json:"notional"`
	TradeCount     int          `json:"trade_count"`
	Trades         []TradeEvent `json:"trades"`
	Triggered      []OrderID    `json:"triggered,omitempty"`
	Error          string       `json:"error,omitempty"`
}

type levelResponse struct {
	Price        int64  `json:"price"`
	PriceDisplay string `json:"price_display"`
	Quantity     int64  `json:"quantity"`
	Orders       int    `json:"orders"`
}

type statsResponse struct {
	LastPrice     int64     `json:"last_price"`
	DailyVolume   int64     `json:"daily_volume"`
	DailyHigh     int64     `json:"daily_high"`
	DailyLow      int64     `json:"daily_low"`
	OpeningPrice  int64     `json:"opening_price"`
	TradeCount    int64     `json:"trade_count"`
	LastTradeTime time.Time `json:"last_trade_time"`
}

type snapshotResponse struct {
	Ticker       string          `json:"ticker"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	Active       bool            `json:"active"`
	BestBid      int64           `json:"best_bid"`
	BestAsk      int64           `json:"best_ask"`
	Spread       int64           `json:"spread"`
	Stats        statsResponse   `json:"stats"`
	Bids         []levelResponse `json:"bids"`
	Asks         []levelResponse `json:"asks"`
	PendingStops int             `json:"pending_stops"`
}

func parseSide(value string) (Side, error) {
	switch strings.ToLower(value) {
	case "buy", "bid", "b":
		return Buy, nil
	case "sell", "ask", "s":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownSide, value)
	}
}

func parseOrderType(value string) (OrderType, error) {
	switch strings.ToLower(value) {
	case "limit", "lmt":
		return LimitOrder, nil
	case "market", "mkt":
		return MarketOrder, nil
	case "stop":
		return StopOrder, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownOrderType, value)
	}
}

func buildOrder(ticker string, req orderRequest) (*Order, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := parseOrderType(req.Type)
	if err != nil {
		return nil, err
	}
	return NewOrder(req.UserID, ticker, side, orderType, req.Quantity, req.Price)
}

func toOrderResponse(result engine.OrderResult) orderResponse {
	trades := make([]TradeEvent, 0, len(result.Trades))
	for _, trade := range result.Trades {
		trades = append(trades, NewTradeEvent(trade))
	}
	return orderResponse{
		Success:        result.Success,
		OrderID:        result.OrderID,
		Status:         result.Status.String(),
		FilledQuantity: result.FilledQuantity,
		AveragePrice:   result.AveragePrice,
		AverageDisplay: FormatCents(result.AveragePrice),
		Notional:       result.Notional,
		TradeCount:     result.TradeCount,
		Trades:         trades,
		Triggered:      result.Triggered,
		Error:          result.ErrorMessage(),
	}
}

func toLevels(levels []engine.FlatPriceLevel) []levelResponse {
	out := make([]levelResponse, 0, len(levels))
	for _, level := range levels {
		out = append(out, levelResponse{
			Price:        level.Price,
			PriceDisplay: FormatCents(level.Price),
			Quantity:     level.Quantity,
			Orders:       len(level.Orders),
		})
	}
	return out
}

func toSnapshotResponse(s engine.Snapshot) snapshotResponse {
	return snapshotResponse{
		Ticker:  s.Ticker,
		Base:    s.BaseSymbol,
		Quote:   s.QuoteSymbol,
		Active:  s.Active,
		BestBid: s.BestBid,
		BestAsk: s.BestAsk,
		Spread:  s.Spread,
		Stats: statsResponse{
			LastPrice:     s.Stats.LastPrice,
			DailyVolume:   s.Stats.DailyVolume,
			DailyHigh:     s.Stats.DailyHigh,
			DailyLow:      s.Stats.DailyLow,
			OpeningPrice:  s.Stats.OpeningPrice,
			TradeCount:    s.Stats.TradeCount,
			LastTradeTime: s.Stats.LastTradeTime,
		},
		Bids:         toLevels(s.Bids),
		Asks:         toLevels(s.Asks),
		PendingStops: s.PendingStops,
	}
}
