package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	. "matchbook/internal/common"

	"github.com/rs/zerolog/log"
)

// Engine owns a set of independent markets keyed by ticker. Markets share no
// mutable state, so orders for different tickers never contend.
type Engine struct {
	mu       sync.RWMutex
	markets  map[string]*Market
	clock    Clock
	reporter Reporter
}

func New() *Engine {
	return NewWithClock(DefaultClock)
}

func NewWithClock(clock Clock) *Engine {
	return &Engine{
		markets: make(map[string]*Market),
		clock:   clock,
	}
}

// SetReporter installs the trade reporter on every current and future market.
func (engine *Engine) SetReporter(reporter Reporter) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	engine.reporter = reporter
	for _, market := range engine.markets {
		market.SetReporter(reporter)
	}
}

func (engine *Engine) AddMarket(ticker, base, quote string) (*Market, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	if _, ok := engine.markets[ticker]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, ticker)
	}
	market, err := NewMarket(ticker, base, quote,
		WithClock(engine.clock),
		WithReporter(engine.reporter),
	)
	if err != nil {
		return nil, err
	}
	engine.markets[ticker] = market

	log.Info().
		Str("ticker", ticker).
		Str("base", base).
		Str("quote", quote).
		Msg("market added")
	return market, nil
}

func (engine *Engine) Market(ticker string) (*Market, bool) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	market, ok := engine.markets[ticker]
	return market, ok
}

// Tickers lists the markets in lexical order.
func (engine *Engine) Tickers() []string {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	tickers := make([]string, 0, len(engine.markets))
	for ticker := range engine.markets {
		tickers = append(tickers, ticker)
	}
	slices.Sort(tickers)
	return tickers
}

// PlaceOrder routes the order to the market named by its ticker.
func (engine *Engine) PlaceOrder(order *Order) OrderResult {
	if order == nil {
		return rejected(nil, ErrNilArgument)
	}
	market, ok := engine.Market(order.Ticker)
	if !ok {
		return rejected(order, fmt.Errorf("%w: %s", ErrUnknownMarket, order.Ticker))
	}
	return market.ProcessOrder(order)
}

func (engine *Engine) CancelOrder(ticker string, id OrderID) error {
	market, ok := engine.Market(ticker)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, ticker)
	}
	return market.CancelOrder(id)
}

// ResetDailyStats starts a new session on every market.
func (engine *Engine) ResetDailyStats() {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	for _, market := range engine.markets {
		market.ResetDailyStats()
	}
}

// Reporters fans a trade out to several reporters. Every reporter is called
// even if an earlier one fails.
type Reporters []Reporter

func (rs Reporters) ReportTrade(trade Trade) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.ReportTrade(trade); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReportCancel forwards to every reporter that implements CancelReporter.
func (rs Reporters) ReportCancel(ticker string, id OrderID) error {
	var errs []error
	for _, r := range rs {
		cr, ok := r.(CancelReporter)
		if !ok {
			continue
		}
		if err := cr.ReportCancel(ticker, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
