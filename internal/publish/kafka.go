package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	. "matchbook/internal/common"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	tomb "gopkg.in/tomb.v2"
)

const (
	DefaultQueueSize = 1024
	maxBatch         = 100
	flushTimeout     = 5 * time.Second
)

var ErrQueueFull = errors.New("trade publish queue full")

// MessageWriter is the subset of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards trades to a Kafka topic. ReportTrade only enqueues,
// so it is safe to call with a market locked. Writes happen on the goroutine
// started by Run.
type KafkaPublisher struct {
	writer  MessageWriter
	queue   chan kafka.Message
	dropped atomic.Int64
}

func NewKafkaPublisher(brokers []string, topic string, queueSize int) *KafkaPublisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, queueSize)
}

func newPublisher(writer MessageWriter, queueSize int) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &KafkaPublisher{
		writer: writer,
		queue:  make(chan kafka.Message, queueSize),
	}
}

// ReportTrade encodes the trade and queues it, keyed by ticker so a market's
// trades stay ordered within one partition. A full queue drops the trade.
func (p *KafkaPublisher) ReportTrade(trade Trade) error {
	value, err := json.Marshal(NewTradeEvent(trade))
	if err != nil {
		return fmt.Errorf("unable to encode trade: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(trade.Ticker),
		Value: value,
		Time:  trade.Timestamp,
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		dropped := p.dropped.Add(1)
		log.Warn().
			Str("ticker", trade.Ticker).
			Str("trade", trade.ID.String()).
			Int64("dropped", dropped).
			Msg("publish queue full, trade dropped")
		return ErrQueueFull
	}
}

// Dropped is the number of trades lost to a full queue.
func (p *KafkaPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run writes queued trades until ctx is cancelled, then flushes what is left
// and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return p.loop(t, ctx)
	})

	err := t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *KafkaPublisher) loop(t *tomb.Tomb, ctx context.Context) error {
	log.Info().Msg("trade publisher running")
	for {
		select {
		case <-t.Dying():
			return p.flush()
		case msg := <-p.queue:
			batch := p.collect(msg)
			if err := p.writer.WriteMessages(ctx, batch...); err != nil {
				if ctx.Err() != nil {
					// Shutting down; the batch is retried by flush.
					return p.flush(batch...)
				}
				log.Error().Err(err).Int("messages", len(batch)).Msg("failed to publish trades")
			}
		}
	}
}

// collect gathers whatever else is already queued, up to maxBatch.
func (p *KafkaPublisher) collect(first kafka.Message) []kafka.Message {
	batch := []kafka.Message{first}
	for len(batch) < maxBatch {
		select {
		case msg := <-p.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (p *KafkaPublisher) flush(pending ...kafka.Message) error {
drain:
	for {
		select {
		case msg := <-p.queue:
			pending = append(pending, msg)
		default:
			break drain
		}
	}

	if len(pending) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := p.writer.WriteMessages(ctx, pending...); err != nil {
			log.Error().Err(err).Int("messages", len(pending)).Msg("failed to flush trades")
		}
	}

	log.Info().Int("flushed", len(pending)).Msg("trade publisher stopped")
	return p.writer.Close()
}
