package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	. "matchbook/internal/common"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func testTrade(ticker string, price int64) Trade {
	maker := &Order{ID: 1, UserID: 1, Side: Sell}
	taker := &Order{ID: 2, UserID: 2, Side: Buy}
	return NewTrade(ticker, maker, taker, 5, price, time.Unix(1_700_000_000, 0).UTC())
}

func TestKafkaPublisher_PublishesTrades(t *testing.T) {
	writer := &recordingWriter{}
	p := newPublisher(writer, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.ReportTrade(testTrade("BTC-USD", 30_000)))
	require.NoError(t, p.ReportTrade(testTrade("ETH-USD", 2_000)))

	require.Eventually(t, func() bool { return len(writer.written()) == 2 }, 2*time.Second, 5*time.Millisecond)

	msgs := writer.written()
	assert.Equal(t, "BTC-USD", string(msgs[0].Key))
	assert.Equal(t, "ETH-USD", string(msgs[1].Key))

	var event TradeEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &event))
	assert.Equal(t, int64(30_000), event.Price)
	assert.Equal(t, int64(5), event.Quantity)
	assert.Equal(t, "buy", event.TakerSide)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, writer.closed)
}

func TestKafkaPublisher_DropsWhenFull(t *testing.T) {
	writer := &recordingWriter{}
	p := newPublisher(writer, 2)

	require.NoError(t, p.ReportTrade(testTrade("BTC-USD", 1)))
	require.NoError(t, p.ReportTrade(testTrade("BTC-USD", 2)))
	assert.ErrorIs(t, p.ReportTrade(testTrade("BTC-USD", 3)), ErrQueueFull)
	assert.Equal(t, int64(1), p.Dropped())

	// Queued trades are flushed on shutdown even if Run never got to them.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Len(t, writer.written(), 2)
	assert.True(t, writer.closed)
}

func TestKafkaPublisher_WriteFailureKeepsRunning(t *testing.T) {
	writer := &recordingWriter{failures: 1}
	p := newPublisher(writer, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.ReportTrade(testTrade("BTC-USD", 1)))
	require.Eventually(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return writer.failures == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.ReportTrade(testTrade("BTC-USD", 2)))
	require.Eventually(t, func() bool { return len(writer.written()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
