package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	. "matchbook/internal/common"
	"matchbook/internal/engine"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers     = 10
	defaultConnTimeout  = 100 * time.Millisecond
	defaultWriteTimeout = time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrNotOrderOwner      = errors.New("order belongs to another session")
	ErrUnknownMessage     = errors.New("unhandled message")
)

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	id        uuid.UUID
	conn      net.Conn
	reader    *FrameReader
	writeLock sync.Mutex
}

func (c *ClientSession) String() string {
	return c.id.String()
}

// ClientMessage links a message to the client sending it.
type ClientMessage struct {
	session *ClientSession
	message Message
}

// ownership remembers which session placed an order and how much of it is
// still expected to trade. The session is nil once it has disconnected; the
// entry stays so that nobody else can cancel the order.
type ownership struct {
	session   *ClientSession
	remaining int64
}

type Server struct {
	address string
	port    int
	engine  *engine.Engine
	pool    WorkerPool

	clientSessions     map[uuid.UUID]*ClientSession
	owners             map[OrderID]ownership
	clientSessionsLock sync.Mutex
	clientMessages     chan ClientMessage

	ready    chan struct{}
	listener net.Listener
}

func New(address string, port int, workers int, eng *engine.Engine) *Server {
	if workers <= 0 {
		workers = defaultNWorkers
	}
	return &Server{
		address:        address,
		port:           port,
		engine:         eng,
		pool:           NewWorkerPool(workers),
		clientSessions: make(map[uuid.UUID]*ClientSession),
		owners:         make(map[OrderID]ownership),
		clientMessages: make(chan ClientMessage, TASK_CHAN_SIZE),
		ready:          make(chan struct{}),
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the listening address, nil before Ready is closed.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.listener.Addr()
	default:
		return nil
	}
}

// Run serves clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.address, strconv.Itoa(s.port)))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return err
	}
	s.listener = listener
	close(s.ready)

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	// Start the session handler.
	t.Go(func() error {
		return s.sessionHandler(t)
	})

	// Unblock Accept and every pending read on shutdown.
	t.Go(func() error {
		<-t.Dying()
		s.closeClientSessions()
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("unable to close listener")
		}
		return nil
	})

	// Start accepting connections.
	t.Go(func() error {
		return s.acceptLoop(t, listener)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("gateway running")

	err = t.Wait()
	log.Info().Msg("gateway shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !t.Alive() {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		// Add the client to client sessions we are tracking.
		// We expect to potentially maintain a long TCP session.
		session, ok := s.addClientSession(conn)
		if !ok {
			log.Warn().
				Str("address", conn.RemoteAddr().String()).
				Msg("too many clients, rejecting connection")
			_ = conn.Close()
			continue
		}
		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Stringer("session", session).
			Msg("new client added")

		// Pass over the connection to be read from.
		if !s.pool.AddTask(t, session) {
			return nil
		}
	}
}

// ReportTrade sends an execution report to the sessions that own the maker
// and the taker of the trade. Orders placed outside the gateway have no owner
// and are skipped.
func (s *Server) ReportTrade(trade Trade) error {
	maker, taker := generateTradeReports(trade)

	s.clientSessionsLock.Lock()
	makerOwner := s.consumeOwnership(trade.MakerID, trade.Size())
	takerOwner := s.consumeOwnership(trade.TakerID, trade.Size())
	s.clientSessionsLock.Unlock()

	var errs []error
	if makerOwner != nil {
		errs = append(errs, s.send(makerOwner, maker))
	}
	if takerOwner != nil {
		errs = append(errs, s.send(takerOwner, taker))
	}
	return errors.Join(errs...)
}

// consumeOwnership must be called with clientSessionsLock held.
func (s *Server) consumeOwnership(id OrderID, quantity int64) *ClientSession {
	owner, ok := s.owners[id]
	if !ok {
		return nil
	}
	owner.remaining -= quantity
	if owner.remaining <= 0 {
		delete(s.owners, id)
	} else {
		s.owners[id] = owner
	}
	return owner.session
}

func (s *Server) trackOrder(order *Order, session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	s.owners[order.ID] = ownership{session: session, remaining: order.Remaining()}
}

func (s *Server) untrackOrder(id OrderID) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	delete(s.owners, id)
}

func (s *Server) orderOwner(id OrderID) (*ClientSession, bool) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	owner, ok := s.owners[id]
	return owner.session, ok
}

// sessionHandler reads off incoming messages from clients and handles high-level
// session logic. Messages are received from the pool of workers.
func (s *Server) sessionHandler(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case message := <-s.clientMessages:
			s.handleMessage(message)
		}
	}
}

func (s *Server) handleMessage(message ClientMessage) {
	session := message.session
	log.Debug().
		Stringer("session", session).
		Int("message type", int(message.message.GetType())).
		Msg("new message")

	switch m := message.message.(type) {
	case *NewOrderMessage:
		s.handleNewOrder(session, m)
	case *CancelOrderMessage:
		s.handleCancelOrder(session, m)
	case BaseMessage:
		if m.GetType() != MsgHeartbeat {
			s.sendLogged(session, generateErrorReport(0, ErrUnknownMessage))
		}
	default:
		s.sendLogged(session, generateErrorReport(0, ErrUnknownMessage))
	}
}

func (s *Server) handleNewOrder(session *ClientSession, m *NewOrderMessage) {
	order, err := m.Order()
	if err != nil {
		s.sendLogged(session, generateErrorReport(0, err))
		return
	}

	// Ownership must be in place before matching so that executions reach
	// this session.
	s.trackOrder(order, session)
	result := s.engine.PlaceOrder(order)
	if !result.Success {
		s.untrackOrder(order.ID)
		s.sendLogged(session, generateErrorReport(order.ID, result.Err))
		return
	}
	if result.Status.Terminal() {
		s.untrackOrder(order.ID)
	}
	s.sendLogged(session, generateAckReport(order, result))
}

// ReportCancel forgets the owner of an order that left the market without
// trading out, however it was cancelled.
func (s *Server) ReportCancel(ticker string, id OrderID) error {
	s.untrackOrder(id)
	return nil
}

func (s *Server) handleCancelOrder(session *ClientSession, m *CancelOrderMessage) {
	owner, ok := s.orderOwner(m.OrderID)
	if ok && owner != session {
		s.sendLogged(session, generateErrorReport(m.OrderID, ErrNotOrderOwner))
		return
	}
	if err := s.engine.CancelOrder(m.Ticker, m.OrderID); err != nil {
		s.sendLogged(session, generateErrorReport(m.OrderID, err))
		return
	}
	s.untrackOrder(m.OrderID)
	s.sendLogged(session, generateCancelReport(m.OrderID, m.Ticker))
}

// send writes one report frame. A session that cannot be written to is
// dropped.
func (s *Server) send(session *ClientSession, report Report) error {
	payload, err := report.Serialize()
	if err != nil {
		return fmt.Errorf("unable to serialize report: %w", err)
	}

	session.writeLock.Lock()
	defer session.writeLock.Unlock()

	if err := session.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		s.deleteClientSession(session)
		return fmt.Errorf("unable to send report: %w", err)
	}
	if err := WriteFrame(session.conn, payload); err != nil {
		s.deleteClientSession(session)
		return fmt.Errorf("unable to send report: %w", err)
	}
	return nil
}

func (s *Server) sendLogged(session *ClientSession, report Report) {
	if err := s.send(session, report); err != nil {
		log.Error().
			Err(err).
			Stringer("session", session).
			Stringer("report", report.MessageType).
			Msg("failed to send report")
	}
}

// handleConnection is a short-lived worker method which reads the next message off the
// connection, parses and passes it forward to sessionHandler to handle it. A read that
// times out before a whole frame has arrived hands the session back to the pool, so a
// few workers can serve many idle clients. If the connection dies, the client session
// is cleaned up.
// Note, any error returned from here is fatal.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	session, ok := task.(*ClientSession)
	if !ok {
		return ErrImproperConversion
	}

	// Set max read timeout.
	err := session.conn.SetReadDeadline(time.Now().Add(defaultConnTimeout))
	if err != nil {
		log.Error().
			Stringer("session", session).
			Err(err).
			Msg("failed setting deadline for connection")
		s.deleteClientSession(session)
		return nil
	}

	payload, err := session.reader.Next()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.pool.AddTask(t, session)
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			log.Info().Stringer("session", session).Msg("client disconnected")
		} else {
			log.Error().
				Err(err).
				Stringer("session", session).
				Msg("error reading from connection")
		}
		s.deleteClientSession(session)
		return nil
	}

	message, err := ParseMessage(payload)
	if err != nil {
		log.Error().
			Err(err).
			Stringer("session", session).
			Msg("error parsing message")
		s.sendLogged(session, generateErrorReport(0, err))
	} else {
		// Pass over to the message handling buffer.
		select {
		case <-t.Dying():
			return nil
		case s.clientMessages <- ClientMessage{session: session, message: message}:
		}
	}

	// Push the client connection back to handle the next message.
	s.pool.AddTask(t, session)
	return nil
}

// addClientSession is an atomic map add. Sessions are capped so that every
// session fits in the worker pool's task queue.
func (s *Server) addClientSession(conn net.Conn) (*ClientSession, bool) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if len(s.clientSessions) >= TASK_CHAN_SIZE {
		return nil, false
	}
	session := &ClientSession{
		id:     uuid.New(),
		conn:   conn,
		reader: NewFrameReader(conn),
	}
	s.clientSessions[session.id] = session
	return session, true
}

// deleteClientSession is an atomic map remove. Orders the session still owns
// stay on the book.
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if _, ok := s.clientSessions[session.id]; !ok {
		return
	}
	delete(s.clientSessions, session.id)
	for id, owner := range s.owners {
		if owner.session == session {
			owner.session = nil
			s.owners[id] = owner
		}
	}
	if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Err(err).Stringer("session", session).Msg("unable to close connection")
	}
}

func (s *Server) closeClientSessions() {
	s.clientSessionsLock.Lock()
	sessions := make([]*ClientSession, 0, len(s.clientSessions))
	for _, session := range s.clientSessions {
		sessions = append(sessions, session)
	}
	s.clientSessionsLock.Unlock()

	for _, session := range sessions {
		s.deleteClientSession(session)
	}
}
