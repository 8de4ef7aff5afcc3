package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	. "matchbook/internal/common"
	"matchbook/internal/engine"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrTickerTooLong      = errors.New("ticker too long")
)

type MessageType uint16

const (
	MsgHeartbeat MessageType = iota
	MsgNewOrder
	MsgCancelOrder
)

type ReportMessageType uint8

const (
	AckReport ReportMessageType = iota
	ExecutionReport
	CancelReport
	ErrorReport
)

func (t ReportMessageType) String() string {
	switch t {
	case AckReport:
		return "ack"
	case ExecutionReport:
		return "execution"
	case CancelReport:
		return "cancel"
	case ErrorReport:
		return "error"
	}
	return "unknown"
}

type Message interface {
	GetType() MessageType
	Encode() ([]byte, error)
}

// Message format constants
const (
	FrameHeaderLen              = 2
	BaseMessageHeaderLen        = 2
	NewOrderMessageHeaderLen    = 1 + 1 + 4 + 8 + 8 + 1
	CancelOrderMessageHeaderLen = 8 + 1
	MaxTickerLen                = 32
	MAX_RECV_SIZE               = 4 * 1024
)

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

func (m BaseMessage) Encode() ([]byte, error) {
	buf := make([]byte, BaseMessageHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.TypeOf))
	return buf, nil
}

// ParseMessage decodes one frame payload received from a client.
func ParseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, fmt.Errorf("%w: no header", ErrMessageTooShort)
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[2:]
	switch typeOf {
	case MsgHeartbeat:
		return BaseMessage{TypeOf: MsgHeartbeat}, nil
	case MsgNewOrder:
		return parseNewOrder(msg)
	case MsgCancelOrder:
		return parseCancelOrder(msg)
	default:
		return BaseMessage{}, fmt.Errorf("%w: %d", ErrInvalidMessageType, typeOf)
	}
}

type NewOrderMessage struct {
	BaseMessage
	Side      Side      // 1 byte
	OrderType OrderType // 1 byte
	UserID    UserID    // 4 bytes
	Quantity  int64     // 8 bytes
	Price     int64     // 8 bytes, cents
	Ticker    string    // 1 byte length + n bytes
}

// Order builds the engine order this message asks for.
func (m *NewOrderMessage) Order() (*Order, error) {
	return NewOrder(m.UserID, m.Ticker, m.Side, m.OrderType, m.Quantity, m.Price)
}

func (m NewOrderMessage) Encode() ([]byte, error) {
	if len(m.Ticker) > MaxTickerLen {
		return nil, ErrTickerTooLong
	}
	buf := make([]byte, BaseMessageHeaderLen+NewOrderMessageHeaderLen+len(m.Ticker))
	binary.BigEndian.PutUint16(buf[0:2], uint16(MsgNewOrder))
	body := buf[2:]
	body[0] = byte(m.Side)
	body[1] = byte(m.OrderType)
	binary.BigEndian.PutUint32(body[2:6], uint32(m.UserID))
	binary.BigEndian.PutUint64(body[6:14], uint64(m.Quantity))
	binary.BigEndian.PutUint64(body[14:22], uint64(m.Price))
	body[22] = uint8(len(m.Ticker))
	copy(body[23:], m.Ticker)
	return buf, nil
}

func parseNewOrder(msg []byte) (*NewOrderMessage, error) {
	if len(msg) < NewOrderMessageHeaderLen {
		return nil, fmt.Errorf("%w: new order header", ErrMessageTooShort)
	}
	m := &NewOrderMessage{BaseMessage: BaseMessage{TypeOf: MsgNewOrder}}

	m.Side = Side(msg[0])
	m.OrderType = OrderType(msg[1])
	m.UserID = UserID(binary.BigEndian.Uint32(msg[2:6]))
	m.Quantity = int64(binary.BigEndian.Uint64(msg[6:14]))
	m.Price = int64(binary.BigEndian.Uint64(msg[14:22]))
	tickerLen := int(msg[22])

	if tickerLen > MaxTickerLen {
		return nil, ErrTickerTooLong
	}
	if len(msg) < NewOrderMessageHeaderLen+tickerLen {
		return nil, fmt.Errorf("%w: ticker", ErrMessageTooShort)
	}
	m.Ticker = string(msg[23 : 23+tickerLen])
	return m, nil
}

type CancelOrderMessage struct {
	BaseMessage
	OrderID OrderID // 8 bytes
	Ticker  string  // 1 byte length + n bytes
}

func (m CancelOrderMessage) Encode() ([]byte, error) {
	if len(m.Ticker) > MaxTickerLen {
		return nil, ErrTickerTooLong
	}
	buf := make([]byte, BaseMessageHeaderLen+CancelOrderMessageHeaderLen+len(m.Ticker))
	binary.BigEndian.PutUint16(buf[0:2], uint16(MsgCancelOrder))
	binary.BigEndian.PutUint64(buf[2:10], uint64(m.OrderID))
	buf[10] = uint8(len(m.Ticker))
	copy(buf[11:], m.Ticker)
	return buf, nil
}

func parseCancelOrder(msg []byte) (*CancelOrderMessage, error) {
	if len(msg) < CancelOrderMessageHeaderLen {
		return nil, fmt.Errorf("%w: cancel header", ErrMessageTooShort)
	}
	m := &CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: MsgCancelOrder}}
	m.OrderID = OrderID(binary.BigEndian.Uint64(msg[0:8]))
	tickerLen := int(msg[8])

	if tickerLen > MaxTickerLen {
		return nil, ErrTickerTooLong
	}
	if len(msg) < CancelOrderMessageHeaderLen+tickerLen {
		return nil, fmt.Errorf("%w: ticker", ErrMessageTooShort)
	}
	m.Ticker = string(msg[9 : 9+tickerLen])
	return m, nil
}

// Report is sent from the server to a client.
type Report struct {
	MessageType  ReportMessageType // 1 byte
	Side         Side              // 1 byte
	Status       OrderStatus       // 1 byte
	Timestamp    int64             // 8 bytes, unix nanoseconds
	OrderID      OrderID           // 8 bytes
	Counterparty OrderID           // 8 bytes
	Quantity     int64             // 8 bytes
	Price        int64             // 8 bytes
	Filled       int64             // 8 bytes
	Ticker       string            // 1 byte length + n bytes
	Err          string            // 2 byte length + n bytes
}

const reportFixedHeaderLen = 1 + 1 + 1 + 8 + 8 + 8 + 8 + 8 + 8 + 1 + 2

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() ([]byte, error) {
	if len(r.Ticker) > MaxTickerLen {
		return nil, ErrTickerTooLong
	}
	errStr := r.Err
	if maxErr := MAX_RECV_SIZE - reportFixedHeaderLen - len(r.Ticker); len(errStr) > maxErr {
		errStr = errStr[:maxErr]
	}

	buf := make([]byte, reportFixedHeaderLen+len(r.Ticker)+len(errStr))
	buf[0] = byte(r.MessageType)
	buf[1] = byte(r.Side)
	buf[2] = byte(r.Status)
	binary.BigEndian.PutUint64(buf[3:11], uint64(r.Timestamp))
	binary.BigEndian.PutUint64(buf[11:19], uint64(r.OrderID))
	binary.BigEndian.PutUint64(buf[19:27], uint64(r.Counterparty))
	binary.BigEndian.PutUint64(buf[27:35], uint64(r.Quantity))
	binary.BigEndian.PutUint64(buf[35:43], uint64(r.Price))
	binary.BigEndian.PutUint64(buf[43:51], uint64(r.Filled))
	buf[51] = uint8(len(r.Ticker))
	binary.BigEndian.PutUint16(buf[52:54], uint16(len(errStr)))

	offset := reportFixedHeaderLen
	copy(buf[offset:], r.Ticker)
	offset += len(r.Ticker)
	copy(buf[offset:], errStr)
	return buf, nil
}

// ParseReport decodes a report frame payload.
func ParseReport(buf []byte) (Report, error) {
	if len(buf) < reportFixedHeaderLen {
		return Report{}, fmt.Errorf("%w: report header", ErrMessageTooShort)
	}
	r := Report{
		MessageType:  ReportMessageType(buf[0]),
		Side:         Side(buf[1]),
		Status:       OrderStatus(buf[2]),
		Timestamp:    int64(binary.BigEndian.Uint64(buf[3:11])),
		OrderID:      OrderID(binary.BigEndian.Uint64(buf[11:19])),
		Counterparty: OrderID(binary.BigEndian.Uint64(buf[19:27])),
		Quantity:     int64(binary.BigEndian.Uint64(buf[27:35])),
		Price:        int64(binary.BigEndian.Uint64(buf[35:43])),
		Filled:       int64(binary.BigEndian.Uint64(buf[43:51])),
	}
	tickerLen := int(buf[51])
	errLen := int(binary.BigEndian.Uint16(buf[52:54]))
	if len(buf) < reportFixedHeaderLen+tickerLen+errLen {
		return Report{}, fmt.Errorf("%w: report body", ErrMessageTooShort)
	}

	offset := reportFixedHeaderLen
	r.Ticker = string(buf[offset : offset+tickerLen])
	offset += tickerLen
	r.Err = string(buf[offset : offset+errLen])
	return r, nil
}

// generateTradeReports generates the execution reports addressed to the
// maker and to the taker of a trade.
func generateTradeReports(trade Trade) (maker, taker Report) {
	createReport := func(side Side, id, counterparty OrderID) Report {
		return Report{
			MessageType:  ExecutionReport,
			Side:         side,
			Timestamp:    trade.Timestamp.UnixNano(),
			OrderID:      id,
			Counterparty: counterparty,
			Quantity:     trade.Size(),
			Price:        trade.Price,
			Ticker:       trade.Ticker,
		}
	}
	takerSide := trade.TakerSide()
	maker = createReport(takerSide.Opposite(), trade.MakerID, trade.TakerID)
	taker = createReport(takerSide, trade.TakerID, trade.MakerID)
	return maker, taker
}

func generateAckReport(order *Order, result engine.OrderResult) Report {
	return Report{
		MessageType: AckReport,
		Side:        order.Side,
		Status:      result.Status,
		Timestamp:   time.Now().UnixNano(),
		OrderID:     order.ID,
		Quantity:    order.Quantity,
		Price:       result.AveragePrice,
		Filled:      result.FilledQuantity,
		Ticker:      order.Ticker,
	}
}

func generateCancelReport(id OrderID, ticker string) Report {
	return Report{
		MessageType: CancelReport,
		Status:      Cancelled,
		Timestamp:   time.Now().UnixNano(),
		OrderID:     id,
		Ticker:      ticker,
	}
}

func generateErrorReport(id OrderID, err error) Report {
	return Report{
		MessageType: ErrorReport,
		Timestamp:   time.Now().UnixNano(),
		OrderID:     id,
		Err:         err.Error(),
	}
}

// WriteFrame writes payload with its big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MAX_RECV_SIZE {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// FrameReader splits a stream into frames. A frame is only consumed once it
// has fully arrived, so a read that times out part way through can simply be
// retried.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, FrameHeaderLen+MAX_RECV_SIZE)}
}

func (f *FrameReader) Next() ([]byte, error) {
	header, err := f.r.Peek(FrameHeaderLen)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(header))
	if n > MAX_RECV_SIZE {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	frame, err := f.r.Peek(FrameHeaderLen + n)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	copy(payload, frame[FrameHeaderLen:])
	if _, err := f.r.Discard(FrameHeaderLen + n); err != nil {
		return nil, err
	}
	return payload, nil
}
