package engine_test

import (
	"testing"

	. "matchbook/internal/common"
	"matchbook/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// checkSnapshot reports whether a single snapshot is internally consistent.
// It only asserts, so it is safe to call off the test goroutine.
func checkSnapshot(t assert.TestingT, snap engine.Snapshot) bool {
	ok := true
	if snap.BestBid >= 0 && snap.BestAsk >= 0 {
		ok = assert.Less(t, snap.BestBid, snap.BestAsk, "crossed book") && ok
		ok = assert.Equal(t, snap.BestAsk-snap.BestBid, snap.Spread) && ok
	} else {
		ok = assert.Equal(t, int64(-1), snap.Spread) && ok
	}

	checkSide := func(levels []engine.FlatPriceLevel, descending bool) {
		for i, level := range levels {
			ok = assert.Positive(t, level.Quantity, "empty level %d left in book", level.Price) && ok

			var sum int64
			for _, e := range level.Orders {
				ok = assert.Positive(t, e.Quantity) && ok
				sum += e.Quantity
			}
			ok = assert.Equal(t, sum, level.Quantity, "level total out of sync at %d", level.Price) && ok

			if i > 0 {
				if descending {
					ok = assert.Less(t, level.Price, levels[i-1].Price) && ok
				} else {
					ok = assert.Greater(t, level.Price, levels[i-1].Price) && ok
				}
			}
		}
	}
	checkSide(snap.Bids, true)
	checkSide(snap.Asks, false)
	return ok
}

// checkBookInvariants asserts the structural invariants that must hold after
// every call returns.
func checkBookInvariants(t require.TestingT, m *engine.Market) {
	snap := m.Snapshot(0)
	require.True(t, checkSnapshot(t, snap))

	bids, asks := m.Depth()
	require.Equal(t, len(snap.Bids), bids)
	require.Equal(t, len(snap.Asks), asks)

	// The top level seen through the quantity queries matches the snapshot.
	checkTop := func(side Side, best int64, levels []engine.FlatPriceLevel) {
		require.Equal(t, m.QuantityAtPrice(side, best), m.BestQuantity(side))
		if len(levels) == 0 {
			require.Equal(t, int64(-1), best)
			require.Zero(t, m.BestQuantity(side))
			return
		}
		require.Equal(t, levels[0].Price, best)
		require.Equal(t, levels[0].Quantity, m.BestQuantity(side))
	}
	checkTop(Buy, snap.BestBid, snap.Bids)
	checkTop(Sell, snap.BestAsk, snap.Asks)
}

// checkConservation asserts that every traded unit was filled on exactly one
// maker and one taker, and that the session volume agrees.
func checkConservation(t require.TestingT, m *engine.Market, orders []*Order, trades []Trade) {
	var filled, traded int64
	for _, order := range orders {
		require.LessOrEqual(t, order.FilledQuantity, order.Quantity)
		require.Equal(t, order.Status == Complete, order.FilledQuantity == order.Quantity)
		filled += order.FilledQuantity
	}
	for _, trade := range trades {
		traded += trade.Size()
	}
	require.Equal(t, 2*traded, filled)
	require.Equal(t, traded, m.Stats().DailyVolume)
}

func TestProperty_MatchingInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := NewManualClock(sessionOpen)
		recorder := &tradeRecorder{}
		m, err := engine.NewMarket("TEST/USD", "TEST", "USD",
			engine.WithClock(clock),
			engine.WithReporter(recorder),
		)
		require.NoError(t, err)

		var orders []*Order
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(orders) > 0 && rapid.IntRange(0, 4).Draw(t, "cancel") == 0 {
				target := rapid.SampledFrom(orders).Draw(t, "target")
				before := *target
				bidsBefore, asksBefore := m.Depth()

				if err := m.CancelOrder(target.ID); err != nil {
					require.ErrorIs(t, err, engine.ErrNotFound)
					// A failed cancel changes nothing.
					require.Equal(t, before.Status, target.Status)
					require.Equal(t, before.FilledQuantity, target.FilledQuantity)
					bidsAfter, asksAfter := m.Depth()
					require.Equal(t, bidsBefore, bidsAfter)
					require.Equal(t, asksBefore, asksAfter)
				} else {
					require.Equal(t, Cancelled, target.Status)
				}
				checkBookInvariants(t, m)
				continue
			}

			side := rapid.SampledFrom([]Side{Buy, Sell}).Draw(t, "side")
			orderType := rapid.SampledFrom([]OrderType{LimitOrder, LimitOrder, LimitOrder, MarketOrder, StopOrder}).Draw(t, "type")
			qty := rapid.Int64Range(1, 50).Draw(t, "qty")
			price := rapid.Int64Range(95, 105).Draw(t, "price") * 100

			order, err := NewOrderAt(clock, 1, "TEST/USD", side, orderType, qty, price)
			require.NoError(t, err)
			result := m.ProcessOrder(order)
			require.True(t, result.Success)
			require.Equal(t, order.FilledQuantity, result.FilledQuantity)

			switch orderType {
			case MarketOrder:
				require.True(t, order.Status.Terminal(), "market orders never rest")
			case StopOrder:
				_, waiting := m.Order(order.ID)
				if waiting {
					require.Zero(t, order.FilledQuantity, "a waiting stop has not traded")
				} else {
					require.True(t, order.Status.Terminal(), "triggered stops never rest")
				}
			}
			for _, id := range result.Triggered {
				_, live := m.Order(id)
				require.False(t, live, "triggered stop %d still live", id)
			}
			for _, trade := range result.Trades {
				if orderType == LimitOrder {
					if side == Buy {
						require.LessOrEqual(t, trade.Price, price)
					} else {
						require.GreaterOrEqual(t, trade.Price, price)
					}
				}
			}

			orders = append(orders, order)
			clock.Advance(1)
			checkBookInvariants(t, m)
		}

		checkConservation(t, m, orders, recorder.trades)
	})
}
