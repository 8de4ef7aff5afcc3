package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"

	. "matchbook/internal/common"

	"github.com/rs/zerolog/log"
)

// MarketStats tracks trading activity for the current session.
type MarketStats struct {
	LastPrice     int64     // Price of the most recent trade, survives resets
	DailyVolume   int64     // Quantity traded this session
	DailyHigh     int64     //
	DailyLow      int64     //
	OpeningPrice  int64     // First trade price this session
	TradeCount    int64     // Trades this session
	LastTradeTime time.Time //
}

// OrderResult describes what a single ProcessOrder call did. Success is only
// false when the order was rejected before matching; an order that matched
// nothing is still a success.
type OrderResult struct {
	Success        bool
	OrderID        OrderID
	Status         OrderStatus
	FilledQuantity int64
	AveragePrice   int64 // Quantity weighted, truncated to a whole cent
	Notional       int64 // Sum of price * quantity over Trades
	Trades         []Trade
	TradeCount     int
	Triggered      []OrderID // Stop orders set off by this call's trades
	Err            error
}

// ErrorMessage is the rejection reason, empty on success.
func (r OrderResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func rejected(order *Order, err error) OrderResult {
	r := OrderResult{Err: err}
	if order != nil {
		r.OrderID = order.ID
		r.Status = order.Status
	}
	return r
}

// Reporter receives every trade a market produces, in match order. It is
// called while the market is locked so it must not block for long or call
// back into the market.
type Reporter interface {
	ReportTrade(trade Trade) error
}

// CancelReporter may also be implemented by a Reporter that wants to hear
// about orders leaving the market without trading out: explicit cancels and
// unfilled market or stop remainders. It is called under the same lock.
type CancelReporter interface {
	ReportCancel(ticker string, id OrderID) error
}

// Market pairs a bid and an ask book for one symbol and runs the matching.
// Every write holds the market's lock for the whole call, so no caller can
// observe a partially matched book. Reads share the lock.
type Market struct {
	mu sync.RWMutex

	ticker      string
	baseSymbol  string
	quoteSymbol string
	bids        *OrderBook
	asks        *OrderBook
	stops       []*Order // Untriggered stop orders in arrival order
	stats       MarketStats
	active      bool
	createdTime time.Time

	clock    Clock
	reporter Reporter
}

type MarketOption func(*Market)

func WithClock(clock Clock) MarketOption {
	return func(m *Market) {
		m.clock = clock
	}
}

func WithReporter(reporter Reporter) MarketOption {
	return func(m *Market) {
		m.reporter = reporter
	}
}

// NewMarket creates an active, empty market for ticker (e.g. "BTC/USD").
func NewMarket(ticker, base, quote string, opts ...MarketOption) (*Market, error) {
	if ticker == "" || base == "" || quote == "" {
		return nil, fmt.Errorf("%w: ticker=%q base=%q quote=%q", ErrInvalidMarket, ticker, base, quote)
	}

	m := &Market{
		ticker:      ticker,
		baseSymbol:  base,
		quoteSymbol: quote,
		active:      true,
		clock:       DefaultClock,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bids = newOrderBook(true, m.clock)
	m.asks = newOrderBook(false, m.clock)
	m.createdTime = m.clock.Now()
	return m, nil
}

func (m *Market) Ticker() string         { return m.ticker }
func (m *Market) BaseSymbol() string     { return m.baseSymbol }
func (m *Market) QuoteSymbol() string    { return m.quoteSymbol }
func (m *Market) CreatedTime() time.Time { return m.createdTime }

func (m *Market) SetReporter(reporter Reporter) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporter = reporter
}

// ProcessOrder matches the order against the opposite book in price-time
// priority, executing at the resting order's price. Unfilled limit quantity
// rests on the order's own side, unfilled market quantity is cancelled.
func (m *Market) ProcessOrder(order *Order) OrderResult {
	if m == nil || order == nil {
		return rejected(order, ErrNilArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.admit(order); err != nil {
		log.Debug().
			Err(err).
			Str("ticker", m.ticker).
			Uint64("order", uint64(order.ID)).
			Msg("order rejected")
		return rejected(order, err)
	}

	result := OrderResult{Success: true, OrderID: order.ID}

	if order.Type == StopOrder && !m.stopTriggered(order) {
		order.Status = Open
		order.UpdatedTime = m.clock.Now()
		m.stops = append(m.stops, order)
		result.Status = order.Status
		log.Debug().
			Str("ticker", m.ticker).
			Uint64("order", uint64(order.ID)).
			Int64("stop", order.StopPrice).
			Msg("stop order queued")
		return result
	}

	trades := m.execute(order)
	for _, trade := range trades {
		result.FilledQuantity += trade.Size()
		result.Notional += trade.Size() * trade.Price
	}
	if result.FilledQuantity > 0 {
		result.AveragePrice = result.Notional / result.FilledQuantity
	}
	result.Trades = trades
	result.TradeCount = len(trades)
	result.Status = order.Status

	m.record(trades)
	if len(trades) > 0 {
		result.Triggered = m.triggerStops()
	}
	return result
}

func (m *Market) admit(order *Order) error {
	switch {
	case !m.active:
		return ErrInactiveMarket
	case order.Ticker != m.ticker:
		return fmt.Errorf("%w: %q into %q", ErrTickerMismatch, order.Ticker, m.ticker)
	case order.Status != Pending:
		return fmt.Errorf("%w: order %d is %v", ErrOrderNotPending, order.ID, order.Status)
	case order.Remaining() <= 0:
		return fmt.Errorf("%w: order %d has nothing to fill", ErrInvalidParameter, order.ID)
	case order.Type == LimitOrder && order.Price <= 0:
		return fmt.Errorf("%w: limit price %d", ErrInvalidParameter, order.Price)
	}
	if m.lookup(order.ID) != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, order.ID)
	}
	return nil
}

func (m *Market) book(side Side) *OrderBook {
	if side == Buy {
		return m.bids
	}
	return m.asks
}

// execute runs the order through the matching loop and disposes of any
// remainder.
func (m *Market) execute(order *Order) []Trade {
	trades := m.match(order)

	if order.Remaining() > 0 {
		if order.Type == LimitOrder {
			if err := m.book(order.Side).AddOrder(order); err != nil {
				// Admission checks make this unreachable; never leave the
				// order looking live if it somehow happens.
				log.Error().
					Err(err).
					Str("ticker", m.ticker).
					Uint64("order", uint64(order.ID)).
					Msg("unable to rest order")
				order.CancelAt(m.clock.Now())
				m.reportCancel(order)
			}
		} else {
			order.CancelAt(m.clock.Now())
			m.reportCancel(order)
		}
	}

	log.Debug().
		Str("ticker", m.ticker).
		Uint64("order", uint64(order.ID)).
		Str("type", order.Type.String()).
		Str("side", order.Side.String()).
		Int64("filled", order.FilledQuantity).
		Int("trades", len(trades)).
		Str("status", order.Status.String()).
		Msg("order processed")
	return trades
}

// marketable reports whether order may trade at the opposing price. Market
// and triggered stop orders take whatever is there.
func marketable(order *Order, price int64) bool {
	if order.Type != LimitOrder {
		return true
	}
	if order.Side == Buy {
		return price <= order.Price
	}
	return price >= order.Price
}

// match consumes the opposing top of book while the order remains marketable.
func (m *Market) match(order *Order) []Trade {
	opposing := m.book(order.Side.Opposite())

	var trades []Trade
	for order.Remaining() > 0 {
		level, ok := opposing.bestLevel()
		if !ok || !marketable(order, level.price) {
			break
		}

		// Walk the level from the head; consume unlinks exhausted entries and
		// deletes the level once it empties.
		for e := level.head; e != nil && order.Remaining() > 0; {
			next := e.next
			resting := e.order
			quantity := min(order.Remaining(), e.Quantity)
			now := m.clock.Now()

			if err := resting.FillAt(quantity, level.price, now); err != nil {
				log.Error().
					Err(err).
					Str("ticker", m.ticker).
					Uint64("order", uint64(resting.ID)).
					Msg("dropping resting order out of sync with book")
				opposing.unlink(e)
				e = next
				continue
			}
			if err := order.FillAt(quantity, level.price, now); err != nil {
				// Unreachable: quantity never exceeds the incoming remainder.
				log.Error().
					Err(err).
					Str("ticker", m.ticker).
					Uint64("order", uint64(order.ID)).
					Msg("unable to fill incoming order")
				return trades
			}
			opposing.consume(e, quantity)

			trade := NewTrade(m.ticker, resting, order, quantity, level.price, now)
			trades = append(trades, trade)
			m.report(trade)
			e = next
		}
	}
	return trades
}

func (m *Market) report(trade Trade) {
	if m.reporter == nil {
		return
	}
	if err := m.reporter.ReportTrade(trade); err != nil {
		log.Warn().
			Err(err).
			Str("ticker", m.ticker).
			Str("trade", trade.ID.String()).
			Msg("unable to report trade")
	}
}

func (m *Market) reportCancel(order *Order) {
	reporter, ok := m.reporter.(CancelReporter)
	if !ok {
		return
	}
	if err := reporter.ReportCancel(m.ticker, order.ID); err != nil {
		log.Warn().
			Err(err).
			Str("ticker", m.ticker).
			Uint64("order", uint64(order.ID)).
			Msg("unable to report cancel")
	}
}

func (m *Market) record(trades []Trade) {
	stats := &m.stats
	for _, trade := range trades {
		if stats.OpeningPrice == 0 {
			stats.OpeningPrice = trade.Price
		}
		stats.DailyHigh = max(stats.DailyHigh, trade.Price)
		if stats.DailyLow == 0 || trade.Price < stats.DailyLow {
			stats.DailyLow = trade.Price
		}
		stats.DailyVolume += trade.Size()
		stats.TradeCount++
		stats.LastPrice = trade.Price
		stats.LastTradeTime = trade.Timestamp
	}
}

// stopTriggered reports whether the last traded price has reached the stop.
func (m *Market) stopTriggered(order *Order) bool {
	last := m.stats.LastPrice
	if last <= 0 {
		return false
	}
	if order.Side == Buy {
		return last >= order.StopPrice
	}
	return last <= order.StopPrice
}

// triggerStops executes stop orders, oldest first, for as long as trades keep
// setting them off.
func (m *Market) triggerStops() []OrderID {
	var triggered []OrderID
	for {
		i := slices.IndexFunc(m.stops, m.stopTriggered)
		if i < 0 {
			return triggered
		}
		stop := m.stops[i]
		m.stops = slices.Delete(m.stops, i, i+1)
		triggered = append(triggered, stop.ID)

		log.Debug().
			Str("ticker", m.ticker).
			Uint64("order", uint64(stop.ID)).
			Int64("stop", stop.StopPrice).
			Int64("last", m.stats.LastPrice).
			Msg("stop order triggered")
		m.record(m.execute(stop))
	}
}

// lookup finds a live order in either book or the stop queue.
func (m *Market) lookup(id OrderID) *Order {
	if order, ok := m.bids.Order(id); ok {
		return order
	}
	if order, ok := m.asks.Order(id); ok {
		return order
	}
	for _, stop := range m.stops {
		if stop.ID == id {
			return stop
		}
	}
	return nil
}

// CancelOrder removes a live order from whichever side holds it. ErrNotFound
// means the order already traded away or was already cancelled.
func (m *Market) CancelOrder(id OrderID) error {
	if m == nil {
		return ErrNilArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, book := range []*OrderBook{m.bids, m.asks} {
		order, ok := book.Order(id)
		if !ok {
			continue
		}
		if err := book.RemoveOrder(id); err != nil {
			return err
		}
		order.CancelAt(now)
		m.reportCancel(order)
		log.Debug().Str("ticker", m.ticker).Uint64("order", uint64(id)).Msg("order cancelled")
		return nil
	}

	if i := slices.IndexFunc(m.stops, func(o *Order) bool { return o.ID == id }); i >= 0 {
		stop := m.stops[i]
		stop.CancelAt(now)
		m.stops = slices.Delete(m.stops, i, i+1)
		m.reportCancel(stop)
		log.Debug().Str("ticker", m.ticker).Uint64("order", uint64(id)).Msg("stop order cancelled")
		return nil
	}
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

// Order returns the live order with the given id. The returned order must be
// treated as read-only while it is live.
func (m *Market) Order(id OrderID) (*Order, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	order := m.lookup(id)
	return order, order != nil
}

func (m *Market) BestBid() int64 {
	if m == nil {
		return -1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bids.BestPrice()
}

func (m *Market) BestAsk() int64 {
	if m == nil {
		return -1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.asks.BestPrice()
}

// BestQuantity is the resting quantity at the best price on side, 0 when
// that side is empty.
func (m *Market) BestQuantity(side Side) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.book(side).BestQuantity()
}

func (m *Market) QuantityAtPrice(side Side, price int64) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.book(side).QuantityAtPrice(price)
}

func (m *Market) spread() int64 {
	bid, ask := m.bids.BestPrice(), m.asks.BestPrice()
	if bid < 0 || ask < 0 {
		return -1
	}
	return ask - bid
}

// Spread is best ask minus best bid, or -1 if either side is empty.
func (m *Market) Spread() int64 {
	if m == nil {
		return -1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spread()
}

// Depth returns the number of bid and ask price levels.
func (m *Market) Depth() (bids, asks int) {
	if m == nil {
		return 0, 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bids.Depth(), m.asks.Depth()
}

func (m *Market) IsActive() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive gates ProcessOrder. Cancels are accepted either way.
func (m *Market) SetActive(active bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
}

func (m *Market) Stats() MarketStats {
	if m == nil {
		return MarketStats{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// ResetDailyStats starts a new session. The last price carries over.
func (m *Market) ResetDailyStats() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = MarketStats{
		LastPrice:     m.stats.LastPrice,
		LastTradeTime: m.stats.LastTradeTime,
	}
}

// Snapshot is a consistent copy of a market's state.
type Snapshot struct {
	Ticker       string
	BaseSymbol   string
	QuoteSymbol  string
	Active       bool
	BestBid      int64
	BestAsk      int64
	Spread       int64
	Stats        MarketStats
	Bids         []FlatPriceLevel
	Asks         []FlatPriceLevel
	PendingStops int
}

// Snapshot copies up to depth levels per side (all when depth <= 0).
func (m *Market) Snapshot(depth int) Snapshot {
	if m == nil {
		return Snapshot{BestBid: -1, BestAsk: -1, Spread: -1}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Ticker:       m.ticker,
		BaseSymbol:   m.baseSymbol,
		QuoteSymbol:  m.quoteSymbol,
		Active:       m.active,
		BestBid:      m.bids.BestPrice(),
		BestAsk:      m.asks.BestPrice(),
		Spread:       m.spread(),
		Stats:        m.stats,
		Bids:         m.bids.Levels(depth),
		Asks:         m.asks.Levels(depth),
		PendingStops: len(m.stops),
	}
}
