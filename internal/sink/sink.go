package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tradefeed/internal/database"
	"tradefeed/internal/model"
)

const (
	defaultBufferSize   = 4096
	defaultWriteTimeout = 5 * time.Second
)

var (
	// ErrBufferFull is recorded when a trade arrives while the write buffer is full.
	ErrBufferFull = errors.New("persistence buffer full")
	// ErrSinkClosed is recorded when a trade arrives after Close.
	ErrSinkClosed = errors.New("persistence sink closed")
	// ErrTradesLost is returned by Close when buffered trades could not be written in time.
	ErrTradesLost = errors.New("buffered trades lost")
)

// PersistenceError reports a trade that was not stored.
type PersistenceError struct {
	Key model.TradeKey
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s #%s: %v", e.Key.Exchange, e.Key.Pair, e.Key.TransactionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Options tunes the sink.
type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// Stats counts what happened to enqueued trades.
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Written    uint64 `json:"written"`
	Duplicates uint64 `json:"duplicates"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Lost       uint64 `json:"lost"`
	Pending    int    `json:"pending"`
}

// Sink writes trades to a repository from a single background writer so that
// storage latency never reaches the caller of Enqueue.
type Sink struct {
	logger       *slog.Logger
	repo         database.Repository
	queue        chan model.Trade
	writeTimeout time.Duration

	// ctx is cancelled when the flush grace period expires.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error

	accepted, written, duplicates, failed, dropped, lost atomic.Uint64
}

// New creates a Sink and starts its writer.
func New(logger *slog.Logger, repo database.Repository, opts Options) *Sink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		logger:       logger,
		repo:         repo,
		queue:        make(chan model.Trade, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue hands trade to the writer without blocking. It reports whether the trade was buffered;
// rejected trades are recorded as dropped.
func (s *Sink) Enqueue(trade model.Trade) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(trade, ErrSinkClosed)
		return false
	}
	select {
	case s.queue <- trade:
		s.accepted.Add(1)
		return true
	default:
		s.drop(trade, ErrBufferFull)
		return false
	}
}

func (s *Sink) drop(trade model.Trade, reason error) {
	s.dropped.Add(1)
	s.logger.Error("Dropping trade write",
		"error", &PersistenceError{Key: trade.Key(), Err: reason},
		"exchange", trade.Exchange, "pair", trade.Pair)
}

func (s *Sink) run() {
	defer close(s.done)
	for trade := range s.queue {
		if s.ctx.Err() != nil {
			s.lost.Add(1)
			continue
		}
		s.write(trade)
	}
}

func (s *Sink) write(trade model.Trade) {
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()

	inserted, err := s.repo.SaveTrade(ctx, trade)
	if err != nil {
		if s.ctx.Err() != nil {
			s.lost.Add(1)
			return
		}
		s.failed.Add(1)
		s.logger.Error("Failed to persist trade",
			"error", &PersistenceError{Key: trade.Key(), Err: err},
			"exchange", trade.Exchange, "pair", trade.Pair)
		return
	}
	if !inserted {
		s.duplicates.Add(1)
		return
	}
	s.written.Add(1)
}

// Close stops accepting trades, waits until the buffer is written or ctx expires, and
// releases the repository. Trades still buffered when ctx expires are counted as lost.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		pending := len(s.queue)
		s.logger.Info("Flushing persistence sink", "pending", pending)

		select {
		case <-s.done:
		case <-ctx.Done():
			s.cancel()
			<-s.done
		}
		s.cancel()

		if lost := s.lost.Load(); lost > 0 {
			s.closeErr = fmt.Errorf("%w: %d trades", ErrTradesLost, lost)
			s.logger.Error("Persistence sink closed with unwritten trades", "error", s.closeErr, "lost", lost)
		} else {
			s.logger.Info("Persistence sink flushed", "written", s.written.Load())
		}
		s.repo.Close()
	})
	return s.closeErr
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Accepted:   s.accepted.Load(),
		Written:    s.written.Load(),
		Duplicates: s.duplicates.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
		Lost:       s.lost.Load(),
		Pending:    len(s.queue),
	}
}
