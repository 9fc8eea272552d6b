package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"tradefeed/internal/model"
	"tradefeed/internal/pipeline"
	"tradefeed/internal/router"
	"tradefeed/internal/sink"
)

const (
	defaultTradeLimit = 10
	maxTradeLimit     = 500
)

// Options configures the HTTP server.
type Options struct {
	Address      string
	WriteBuffer  int
	WriteTimeout time.Duration
}

// Topics lists topic subscriber counts.
type Topics interface {
	Broker
	Topics() map[string]int
}

// PipelineStats exposes the supervisor counters.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// SinkStats exposes the persistence counters.
type SinkStats interface {
	Stats() sink.Stats
}

// TradeReader reads stored trades.
type TradeReader interface {
	CountTrades(ctx context.Context) (int64, error)
	RecentTrades(ctx context.Context, pair string, limit int) ([]model.StoredTrade, error)
}

// Server serves downstream websocket subscriptions and read-only status endpoints.
type Server struct {
	logger   *slog.Logger
	router   Topics
	pipeline PipelineStats
	sink     SinkStats
	reader   TradeReader
	opts     Options
	upgrader websocket.Upgrader
	engine   *gin.Engine
	http     *http.Server

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New creates a Server. The returned server is not listening yet.
func New(logger *slog.Logger, topics Topics, pipelineStats PipelineStats, sinkStats SinkStats, reader TradeReader, opts Options) *Server {
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	s := &Server{
		logger:   logger,
		router:   topics,
		pipeline: pipelineStats,
		sink:     sinkStats,
		reader:   reader,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", s.serveWS)
	engine.GET("/healthz", s.health)
	api := engine.Group("/api")
	api.GET("/status", s.status)
	api.GET("/trades", s.trades)
	s.engine = engine

	s.http = &http.Server{Addr: opts.Address, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Server running", "address", s.opts.Address)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}
	return err
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	session := newSession(s.logger, conn, s.router, s.opts.WriteBuffer, s.opts.WriteTimeout)
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("Session opened", "subscriber", session.ID(), "remote", c.Request.RemoteAddr)

	go session.writeLoop()
	go func() {
		session.readLoop()
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
		s.logger.Debug("Session closed", "subscriber", session.ID())
	}()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{
		"pipeline": s.pipeline.Stats(),
		"sink":     s.sink.Stats(),
		"topics":   s.router.Topics(),
	}
	count, err := s.reader.CountTrades(c.Request.Context())
	if err != nil {
		body["stored_trades_error"] = err.Error()
	} else {
		body["stored_trades"] = count
	}
	c.JSON(http.StatusOK, body)
}

type tradeRecord struct {
	Exchange          string    `json:"exchange"`
	TransactionID     string    `json:"transaction_id"`
	Pair              string    `json:"pair"`
	SourcePair        string    `json:"sourcePair"`
	DestinationPair   string    `json:"destinationPair"`
	Action            string    `json:"action"`
	Unit              string    `json:"unit"`
	Price             string    `json:"price"`
	ExchangeTimestamp time.Time `json:"exchange_timestamp"`
}

func (s *Server) trades(c *gin.Context) {
	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTradeLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	trades, err := s.reader.RecentTrades(c.Request.Context(), c.Query("pair"), limit)
	if err != nil {
		s.logger.Error("Failed to read trades", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}

	out := make([]tradeRecord, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeRecord{
			Exchange:          t.Exchange,
			TransactionID:     t.TransactionID,
			Pair:              t.Pair,
			SourcePair:        t.SourceCurrency,
			DestinationPair:   t.DestinationCurrency,
			Action:            t.Side.String(),
			Unit:              t.Quantity.String(),
			Price:             t.Price.String(),
			ExchangeTimestamp: t.ExchangeTimestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

var _ router.Subscriber = (*Session)(nil)
