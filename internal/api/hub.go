package api

import (
	"sync"

	. "matchbook/internal/common"
)

type subscription[T any] struct {
	ch chan T
}

type hub[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscription[T]]struct{}
	closed bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[*subscription[T]]struct{})}
}

// Subscribe on a closed hub returns an already closed subscription.
func (h *hub[T]) Subscribe(buffer int) *subscription[T] {
	sub := &subscription[T]{ch: make(chan T, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe is safe to call after Close.
func (h *hub[T]) Unsubscribe(sub *subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Broadcast never blocks. Slow subscribers miss values.
func (h *hub[T]) Broadcast(value T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- value:
		default:
		}
	}
}

func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// TradeFeed fans trades out to websocket subscribers.
type TradeFeed struct {
	hub *hub[TradeEvent]
}

func NewTradeFeed() *TradeFeed {
	return &TradeFeed{hub: newHub[TradeEvent]()}
}

func (f *TradeFeed) ReportTrade(trade Trade) error {
	f.hub.Broadcast(NewTradeEvent(trade))
	return nil
}

// Close ends every subscription.
func (f *TradeFeed) Close() {
	f.hub.Close()
}
