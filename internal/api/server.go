package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	. "matchbook/internal/common"
	"matchbook/internal/engine"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultDepth      = 10
	subscriberBuffer  = 64
	shutdownTimeout   = 5 * time.Second
	websocketWriteTTL = 5 * time.Second
)

// Server exposes the engine over HTTP.
type Server struct {
	engine   *engine.Engine
	feed     *TradeFeed
	router   *gin.Engine
	upgrader websocket.Upgrader
}

func New(eng *engine.Engine, feed *TradeFeed) *Server {
	s := &Server{
		engine:   eng,
		feed:     feed,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/health", s.health)
	router.GET("/markets", s.listMarkets)

	markets := router.Group("/markets/:ticker")
	markets.GET("", s.snapshot)
	markets.POST("/orders", s.placeOrder)
	markets.DELETE("/orders/:id", s.cancelOrder)
	markets.POST("/active", s.setActive)
	markets.POST("/reset", s.resetStats)
	markets.GET("/trades/ws", s.streamTrades)

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("http api running")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not closed by Shutdown.
	s.feed.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("http api shut down")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"markets": s.engine.Tickers()})
}

// market resolves the :ticker path parameter, writing a 404 when it is
// unknown.
func (s *Server) market(c *gin.Context) (*engine.Market, bool) {
	ticker := c.Param("ticker")
	market, ok := s.engine.Market(ticker)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": engine.ErrUnknownMarket.Error() + ": " + ticker})
		return nil, false
	}
	return market, true
}

func (s *Server) snapshot(c *gin.Context) {
	market, ok := s.market(c)
	if !ok {
		return
	}
	depth := defaultDepth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a non-negative integer"})
			return
		}
		depth = n
	}
	c.JSON(http.StatusOK, toSnapshotResponse(market.Snapshot(depth)))
}

func (s *Server) placeOrder(c *gin.Context) {
	market, ok := s.market(c)
	if !ok {
		return
	}

	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order payload: " + err.Error()})
		return
	}
	order, err := buildOrder(market.Ticker(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := market.ProcessOrder(order)
	c.JSON(resultStatus(result), toOrderResponse(result))
}

// resultStatus maps an order result to an HTTP status code.
func resultStatus(result engine.OrderResult) int {
	switch {
	case result.Success:
		return http.StatusOK
	case errors.Is(result.Err, engine.ErrInactiveMarket):
		return http.StatusConflict
	case errors.Is(result.Err, engine.ErrUnknownMarket):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) cancelOrder(c *gin.Context) {
	market, ok := s.market(c)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if err := market.CancelOrder(OrderID(id)); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setActive(c *gin.Context) {
	market, ok := s.market(c)
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	market.SetActive(*req.Active)
	log.Info().Str("ticker", market.Ticker()).Bool("active", *req.Active).Msg("market activity changed")
	c.JSON(http.StatusOK, gin.H{"ticker": market.Ticker(), "active": market.IsActive()})
}

func (s *Server) resetStats(c *gin.Context) {
	market, ok := s.market(c)
	if !ok {
		return
	}
	market.ResetDailyStats()
	c.JSON(http.StatusOK, toSnapshotResponse(market.Snapshot(0)).Stats)
}

// streamTrades upgrades to a websocket and pushes every trade of the market
// until the client goes away.
func (s *Server) streamTrades(c *gin.Context) {
	market, ok := s.market(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.feed.hub.Subscribe(subscriberBuffer)
	defer s.feed.hub.Unsubscribe(sub)

	// Reading is required to notice the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := market.Ticker()
	for {
		select {
		case <-gone:
			return
		case event, ok := <-sub.ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(websocketWriteTTL))
				return
			}
			if event.Ticker != ticker {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTTL))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
