package net

import (
	"context"
	"net"
	"testing"
	"time"

	. "matchbook/internal/common"
	"matchbook/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTicker = "BTC-USD"

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *FrameReader
}

func dialTestClient(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: NewFrameReader(conn)}
}

func (c *testClient) send(m Message) {
	c.t.Helper()
	payload, err := m.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, WriteFrame(c.conn, payload))
}

func (c *testClient) next() Report {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	payload, err := c.reader.Next()
	require.NoError(c.t, err)
	report, err := ParseReport(payload)
	require.NoError(c.t, err)
	return report
}

func startTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := engine.New()
	_, err := eng.AddMarket(testTicker, "BTC", "USD")
	require.NoError(t, err)

	srv := New("127.0.0.1", 0, 2, eng)
	eng.SetReporter(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	}
	return srv, eng
}

func TestServer_MatchAndReport(t *testing.T) {
	srv, eng := startTestServer(t)
	maker := dialTestClient(t, srv.Addr())
	taker := dialTestClient(t, srv.Addr())

	maker.send(NewOrderMessage{Side: Sell, OrderType: LimitOrder, UserID: 1, Quantity: 10, Price: 100, Ticker: testTicker})
	ack := maker.next()
	require.Equal(t, AckReport, ack.MessageType)
	assert.Equal(t, Open, ack.Status)
	assert.Equal(t, int64(0), ack.Filled)
	makerID := ack.OrderID

	taker.send(NewOrderMessage{Side: Buy, OrderType: MarketOrder, UserID: 2, Quantity: 4, Ticker: testTicker})

	execution := taker.next()
	require.Equal(t, ExecutionReport, execution.MessageType)
	assert.Equal(t, Buy, execution.Side)
	assert.Equal(t, makerID, execution.Counterparty)
	assert.Equal(t, int64(4), execution.Quantity)
	assert.Equal(t, int64(100), execution.Price)

	ack = taker.next()
	require.Equal(t, AckReport, ack.MessageType)
	assert.Equal(t, Complete, ack.Status)
	assert.Equal(t, int64(4), ack.Filled)
	assert.Equal(t, int64(100), ack.Price)

	execution = maker.next()
	require.Equal(t, ExecutionReport, execution.MessageType)
	assert.Equal(t, Sell, execution.Side)
	assert.Equal(t, makerID, execution.OrderID)
	assert.Equal(t, int64(4), execution.Quantity)

	market, ok := eng.Market(testTicker)
	require.True(t, ok)
	assert.Equal(t, int64(100), market.Stats().LastPrice)
	resting, ok := market.Order(makerID)
	require.True(t, ok)
	assert.Equal(t, int64(6), resting.Remaining())
}

func TestServer_Cancel(t *testing.T) {
	srv, _ := startTestServer(t)
	owner := dialTestClient(t, srv.Addr())
	other := dialTestClient(t, srv.Addr())

	owner.send(NewOrderMessage{Side: Buy, OrderType: LimitOrder, UserID: 1, Quantity: 5, Price: 99, Ticker: testTicker})
	ack := owner.next()
	require.Equal(t, AckReport, ack.MessageType)

	other.send(CancelOrderMessage{OrderID: ack.OrderID, Ticker: testTicker})
	report := other.next()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Equal(t, ErrNotOrderOwner.Error(), report.Err)

	owner.send(CancelOrderMessage{OrderID: ack.OrderID, Ticker: testTicker})
	report = owner.next()
	require.Equal(t, CancelReport, report.MessageType)
	assert.Equal(t, ack.OrderID, report.OrderID)
	assert.Equal(t, Cancelled, report.Status)

	owner.send(CancelOrderMessage{OrderID: ack.OrderID, Ticker: testTicker})
	report = owner.next()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, engine.ErrNotFound.Error())
}

func TestServer_Rejections(t *testing.T) {
	srv, _ := startTestServer(t)
	client := dialTestClient(t, srv.Addr())

	client.send(NewOrderMessage{Side: Buy, OrderType: LimitOrder, UserID: 1, Quantity: 5, Price: 0, Ticker: testTicker})
	report := client.next()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ErrInvalidParameter.Error())

	client.send(NewOrderMessage{Side: Buy, OrderType: LimitOrder, UserID: 1, Quantity: 5, Price: 10, Ticker: "DOGE-USD"})
	report = client.next()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, engine.ErrUnknownMarket.Error())

	// A heartbeat gets no reply, so the next report answers the cancel.
	client.send(BaseMessage{TypeOf: MsgHeartbeat})
	client.send(CancelOrderMessage{OrderID: 999_999, Ticker: testTicker})
	report = client.next()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Equal(t, OrderID(999_999), report.OrderID)

	// Garbage is reported, the session survives.
	require.NoError(t, WriteFrame(client.conn, []byte{0, 77}))
	report = client.next()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ErrInvalidMessageType.Error())
}

func TestServer_IdleClientsShareWorkers(t *testing.T) {
	srv, _ := startTestServer(t)

	// More idle clients than workers must not starve an active one.
	for range 5 {
		dialTestClient(t, srv.Addr())
	}
	active := dialTestClient(t, srv.Addr())
	active.send(NewOrderMessage{Side: Sell, OrderType: LimitOrder, UserID: 3, Quantity: 1, Price: 250, Ticker: testTicker})
	report := active.next()
	assert.Equal(t, AckReport, report.MessageType)
}

func ownedOrders(srv *Server) int {
	srv.clientSessionsLock.Lock()
	defer srv.clientSessionsLock.Unlock()
	return len(srv.owners)
}

func connectedSessions(srv *Server) int {
	srv.clientSessionsLock.Lock()
	defer srv.clientSessionsLock.Unlock()
	return len(srv.clientSessions)
}

func TestServer_CancelAfterOwnerDisconnects(t *testing.T) {
	srv, eng := startTestServer(t)
	owner := dialTestClient(t, srv.Addr())
	other := dialTestClient(t, srv.Addr())

	owner.send(NewOrderMessage{Side: Sell, OrderType: LimitOrder, UserID: 1, Quantity: 10, Price: 100, Ticker: testTicker})
	ack := owner.next()
	require.Equal(t, AckReport, ack.MessageType)

	require.NoError(t, owner.conn.Close())
	require.Eventually(t, func() bool { return connectedSessions(srv) == 1 }, 5*time.Second, 10*time.Millisecond)

	other.send(CancelOrderMessage{OrderID: ack.OrderID, Ticker: testTicker})
	report := other.next()
	require.Equal(t, ErrorReport, report.MessageType)
	assert.Equal(t, ErrNotOrderOwner.Error(), report.Err)

	market, _ := eng.Market(testTicker)
	resting, live := market.Order(ack.OrderID)
	require.True(t, live, "order of a disconnected session stays on the book")
	assert.Equal(t, int64(10), resting.Remaining())

	// Trading out the orphaned order still works and releases it.
	other.send(NewOrderMessage{Side: Buy, OrderType: MarketOrder, UserID: 2, Quantity: 10, Ticker: testTicker})
	assert.Equal(t, ExecutionReport, other.next().MessageType)
	assert.Equal(t, AckReport, other.next().MessageType)
	assert.Zero(t, ownedOrders(srv))
}

func TestServer_OwnershipReleasedOutsideGateway(t *testing.T) {
	srv, eng := startTestServer(t)
	client := dialTestClient(t, srv.Addr())
	market, _ := eng.Market(testTicker)

	client.send(NewOrderMessage{Side: Buy, OrderType: LimitOrder, UserID: 1, Quantity: 5, Price: 90, Ticker: testTicker})
	resting := client.next()
	client.send(NewOrderMessage{Side: Buy, OrderType: StopOrder, UserID: 1, Quantity: 7, Price: 100, Ticker: testTicker})
	stop := client.next()
	require.Equal(t, Open, stop.Status)
	require.Equal(t, 2, ownedOrders(srv))

	// Cancelled directly on the market, as the HTTP API does.
	require.NoError(t, market.CancelOrder(resting.OrderID))
	assert.Equal(t, 1, ownedOrders(srv))

	// A trade from outside the gateway sets off the stop, which finds no
	// asks and is cancelled.
	sell, err := NewOrder(9, testTicker, Sell, LimitOrder, 2, 100)
	require.NoError(t, err)
	buy, err := NewOrder(9, testTicker, Buy, LimitOrder, 2, 100)
	require.NoError(t, err)
	require.True(t, market.ProcessOrder(sell).Success)
	result := market.ProcessOrder(buy)
	require.Equal(t, []OrderID{stop.OrderID}, result.Triggered)

	_, live := market.Order(stop.OrderID)
	assert.False(t, live)
	assert.Zero(t, ownedOrders(srv))
}
