package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradefeed/internal/config"
	"tradefeed/internal/exchange"
	"tradefeed/internal/model"
	"tradefeed/internal/normalize"
)

const defaultFlushTimeout = 10 * time.Second

var (
	// ErrAlreadyStarted is returned by Start outside the Idle state.
	ErrAlreadyStarted = errors.New("pipeline already started")
	// ErrStopped is returned by Start once shutdown has begun.
	ErrStopped = errors.New("pipeline shutting down or stopped")
)

// Publisher fans trades out to topic subscribers.
type Publisher interface {
	Publish(topic string, trade model.Trade) int
	Close()
}

// TradeSink persists trades asynchronously.
type TradeSink interface {
	Enqueue(trade model.Trade) bool
	Close(ctx context.Context) error
}

// FeedFactory builds the feed for one configured exchange.
type FeedFactory func(name string, cfg config.ExchangeConfig) (exchange.Feed, error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithFeedFactory replaces the default exchange.NewFeed factory.
func WithFeedFactory(f FeedFactory) Option {
	return func(s *Supervisor) { s.newFeed = f }
}

// WithFlushTimeout bounds how long Shutdown waits for the sink to drain.
func WithFlushTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.flushTimeout = d
		}
	}
}

// Supervisor owns the feeds, routes every normalized trade to the Publisher and the
// TradeSink, and tears everything down once.
type Supervisor struct {
	logger       *slog.Logger
	router       Publisher
	sink         TradeSink
	newFeed      FeedFactory
	flushTimeout time.Duration

	mu          sync.Mutex
	state       State
	feeds       []exchange.Feed
	cancel      context.CancelFunc
	startCancel context.CancelFunc

	wg     sync.WaitGroup
	active atomic.Int32

	shutdownOnce sync.Once
	stopped      chan struct{}
	shutdownErr  error

	received, published, deliveries, enqueued, feedErrors atomic.Uint64

	rejectMu sync.Mutex
	rejected map[string]uint64
}

// New creates an idle Supervisor.
func New(logger *slog.Logger, router Publisher, sink TradeSink, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:       logger,
		router:       router,
		sink:         sink,
		flushTimeout: defaultFlushTimeout,
		stopped:      make(chan struct{}),
		rejected:     make(map[string]uint64),
	}
	s.newFeed = func(name string, cfg config.ExchangeConfig) (exchange.Feed, error) {
		return exchange.NewFeed(name, logger, cfg)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once teardown has finished.
func (s *Supervisor) Done() <-chan struct{} {
	return s.stopped
}

// Start connects every usable exchange and begins consuming its feed. Exchanges with an
// incomplete configuration or a failed connection are skipped; Start fails only when no
// exchange could be started, leaving the Supervisor Idle.
func (s *Supervisor) Start(ctx context.Context, exchanges map[string]config.ExchangeConfig) error {
	startCtx, startCancel := context.WithCancel(ctx)
	defer startCancel()

	s.mu.Lock()
	switch s.state {
	case Idle:
	case Starting, Running:
		s.mu.Unlock()
		return ErrAlreadyStarted
	default:
		s.mu.Unlock()
		return ErrStopped
	}
	s.state = Starting
	s.startCancel = startCancel
	s.mu.Unlock()

	names := make([]string, 0, len(exchanges))
	for name := range exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		errs       []error
		feeds      []exchange.Feed
		configured int
	)
	for _, name := range names {
		cfg := exchanges[name]
		if err := cfg.Validate(name); err != nil {
			s.logger.Warn("Skipping exchange", "exchange", name, "error", err)
			errs = append(errs, err)
			continue
		}
		configured++

		feed, err := s.newFeed(name, cfg)
		if err != nil {
			s.logger.Warn("Skipping exchange", "exchange", name, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := feed.Connect(startCtx, cfg.WSFeed, cfg.Instruments()); err != nil {
			s.logger.Error("Failed to start exchange feed", "exchange", name, "error", err)
			if cerr := feed.Close(); cerr != nil {
				s.logger.Warn("Failed to release exchange feed", "exchange", name, "error", cerr)
			}
			errs = append(errs, err)
			continue
		}
		feeds = append(feeds, feed)
	}

	if configured == 0 {
		errs = append([]error{&config.ConfigurationError{Reason: "no exchange has both a feed address and currencies"}}, errs...)
	}
	if len(feeds) == 0 {
		s.mu.Lock()
		if s.state == Starting {
			s.state = Idle
		}
		s.startCancel = nil
		s.mu.Unlock()
		return errors.Join(errs...)
	}

	s.mu.Lock()
	s.startCancel = nil
	if s.state != Starting {
		s.mu.Unlock()
		for _, feed := range feeds {
			_ = feed.Close()
		}
		return ErrStopped
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.feeds = feeds
	s.state = Running
	for _, feed := range feeds {
		s.active.Add(1)
		s.wg.Add(2)
		go s.consume(runCtx, feed)
		go s.watchErrors(runCtx, feed)
	}
	s.mu.Unlock()

	s.logger.Info("Pipeline running", "exchanges", len(feeds), "skipped", len(errs))
	return nil
}

// consume is the single reader of one feed, so trades keep their feed order.
func (s *Supervisor) consume(ctx context.Context, feed exchange.Feed) {
	defer s.wg.Done()
	messages := feed.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				s.feedEnded(feed)
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.handle(feed.Name(), msg)
		}
	}
}

func (s *Supervisor) watchErrors(ctx context.Context, feed exchange.Feed) {
	defer s.wg.Done()
	errs := feed.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.feedErrors.Add(1)
			s.logger.Error("Exchange feed error", "exchange", feed.Name(), "error", err)
		}
	}
}

func (s *Supervisor) handle(exchangeName string, msg model.RawMessage) {
	s.received.Add(1)

	trade, err := normalize.Normalize(exchangeName, msg)
	if err != nil {
		s.reject(exchangeName, msg, err)
		return
	}

	s.published.Add(1)
	s.deliveries.Add(uint64(s.router.Publish(trade.Topic(), trade)))
	if s.sink.Enqueue(trade) {
		s.enqueued.Add(1)
	}
}

func (s *Supervisor) reject(exchangeName string, msg model.RawMessage, err error) {
	reason := "unknown"
	var verr *normalize.ValidationError
	if errors.As(err, &verr) {
		reason = verr.Reason
	}

	s.rejectMu.Lock()
	s.rejected[reason]++
	s.rejectMu.Unlock()

	if reason == normalize.ReasonNotTrade {
		s.logger.Debug("Dropping non-trade message", "exchange", exchangeName, "type", msg.Type)
		return
	}
	s.logger.Warn("Dropping invalid trade message", "exchange", exchangeName, "reason", reason, "error", err)
}

func (s *Supervisor) feedEnded(feed exchange.Feed) {
	remaining := s.active.Add(-1)
	s.logger.Warn("Exchange feed ended", "exchange", feed.Name(), "remaining", remaining)
	if remaining == 0 {
		go func() {
			_ = s.Shutdown(context.Background())
		}()
	}
}

// Shutdown tears the pipeline down: stop consuming, close feeds (unsubscribing them),
// flush and close the sink, then release router subscriptions. Concurrent and repeated
// calls share one teardown; only the first call reports its errors.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	first := false
	s.shutdownOnce.Do(func() {
		first = true
		s.teardown(ctx)
	})
	if first {
		return s.shutdownErr
	}
	select {
	case <-s.stopped:
	case <-ctx.Done():
	}
	return nil
}

func (s *Supervisor) teardown(ctx context.Context) {
	s.mu.Lock()
	previous := s.state
	s.state = ShuttingDown
	feeds, cancel, startCancel := s.feeds, s.cancel, s.startCancel
	s.feeds = nil
	s.mu.Unlock()

	s.logger.Info("Shut down initiated", "state", previous.String())

	if startCancel != nil {
		startCancel()
	}
	if cancel != nil {
		cancel()
	}

	var errs []error
	for _, feed := range feeds {
		if err := feed.Close(); err != nil {
			s.logger.Warn("Failed to close exchange feed", "exchange", feed.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	s.wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(ctx, s.flushTimeout)
	if err := s.sink.Close(flushCtx); err != nil {
		s.logger.Error("Failed to flush persistence sink", "error", err)
		errs = append(errs, err)
	}
	flushCancel()

	s.router.Close()

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	s.shutdownErr = errors.Join(errs...)
	close(s.stopped)
	s.logger.Info("Shutdown complete")
}
