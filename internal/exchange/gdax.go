package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tradefeed/internal/config"
	"tradefeed/internal/model"
)

const (
	defaultGDAXRestAPI = "https://api.exchange.coinbase.com"
	defaultReadTimeout = 30 * time.Second
	ackTimeout         = 10 * time.Second
	writeWait          = 5 * time.Second
	defaultMaxPending  = 1024
)

var defaultChannels = []string{"heartbeat", "ticker"}

var (
	// ErrFeedClosed is returned when Connect races with Close.
	ErrFeedClosed = errors.New("feed closed")
	// ErrPendingOverflow is reported when messages sent ahead of the subscription
	// acknowledgement did not fit the pending buffer.
	ErrPendingOverflow = errors.New("messages dropped before subscription acknowledgement")
)

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// GDAXFeed implements Feed for the GDAX/Coinbase websocket feed.
type GDAXFeed struct {
	name        string
	logger      *slog.Logger
	catalog     ProductCatalog
	restAPI     string
	dialer      *websocket.Dialer
	channels    []string
	readTimeout time.Duration
	maxPending  int

	messages chan model.RawMessage
	errs     chan error
	done     chan struct{}
	readDone chan struct{}

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions []string
	started       bool

	closeOnce sync.Once
	closeErr  error
}

// NewGDAXFeed creates a new GDAXFeed.
func NewGDAXFeed(name string, logger *slog.Logger, cfg config.ExchangeConfig) *GDAXFeed {
	restAPI := cfg.RestAPI
	if restAPI == "" {
		restAPI = defaultGDAXRestAPI
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = defaultChannels
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &GDAXFeed{
		name:        name,
		logger:      logger.With("exchange", name),
		catalog:     NewRestCatalog(restAPI),
		restAPI:     restAPI,
		dialer:      websocket.DefaultDialer,
		channels:    channels,
		readTimeout: readTimeout,
		maxPending:  defaultMaxPending,
		messages:    make(chan model.RawMessage, 256),
		errs:        make(chan error, 16),
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
	}
}

func (f *GDAXFeed) Name() string {
	return f.name
}

func (f *GDAXFeed) Messages() <-chan model.RawMessage {
	return f.messages
}

func (f *GDAXFeed) Errors() <-chan error {
	return f.errs
}

// Connect resolves the instruments the exchange advertises, dials the websocket feed and
// waits for the exchange to acknowledge the subscription.
func (f *GDAXFeed) Connect(ctx context.Context, endpoint string, instruments []string) error {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if started {
		return &ConnectionError{Exchange: f.name, Endpoint: endpoint, Err: errors.New("already connected")}
	}

	advertised, err := f.catalog.Products(ctx)
	if err != nil {
		return &ConnectionError{Exchange: f.name, Endpoint: f.restAPI, Err: err}
	}
	valid := Reconcile(instruments, advertised)
	if len(valid) == 0 {
		return &SubscriptionError{
			Exchange: f.name,
			Reason:   "no valid currency pairs among " + strings.Join(instruments, ","),
		}
	}

	f.logger.Info("GDAXFeed: connecting to WebSocket", "url", endpoint, "products", valid)
	conn, _, err := f.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return &ConnectionError{Exchange: f.name, Endpoint: endpoint, Err: err}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	req := subscribeRequest{Type: "subscribe", ProductIDs: valid, Channels: f.channels}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return &ConnectionError{Exchange: f.name, Endpoint: endpoint, Err: err}
	}

	pending, err := f.awaitAck(ctx, conn, endpoint)
	if err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		conn.Close()
		return &ConnectionError{Exchange: f.name, Endpoint: endpoint, Err: ErrFeedClosed}
	default:
	}
	f.conn = conn
	f.subscriptions = valid
	f.started = true
	f.mu.Unlock()

	f.logger.Info("GDAXFeed: subscription confirmed", "products", valid, "channels", f.channels)
	go f.readLoop(conn, pending)
	return nil
}

// awaitAck reads until the exchange answers the subscribe request. Messages that arrive
// ahead of the acknowledgement are returned so they can be emitted first. Decode failures
// and overflow are reported on the error channel, which is drained once Connect returns.
func (f *GDAXFeed) awaitAck(ctx context.Context, conn *websocket.Conn, endpoint string) ([]model.RawMessage, error) {
	deadline := time.Now().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var (
		pending []model.RawMessage
		dropped int
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, &ConnectionError{Exchange: f.name, Endpoint: endpoint, Err: err}
		}

		var msg model.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.report(&FeedError{Exchange: f.name, Err: err})
			continue
		}

		switch msg.Type {
		case "subscriptions":
			for _, ch := range msg.Channels {
				if len(ch.ProductIDs) > 0 {
					if dropped > 0 {
						f.report(&FeedError{Exchange: f.name, Err: fmt.Errorf("%w: %d", ErrPendingOverflow, dropped)})
					}
					return pending, nil
				}
			}
			return nil, &SubscriptionError{Exchange: f.name, Reason: "exchange acknowledged no products"}
		case "error":
			return nil, &SubscriptionError{Exchange: f.name, Reason: strings.TrimSpace(msg.Message + " " + msg.Reason)}
		default:
			if len(pending) >= f.maxPending {
				dropped++
				continue
			}
			pending = append(pending, msg)
		}
	}
}

func (f *GDAXFeed) readLoop(conn *websocket.Conn, pending []model.RawMessage) {
	defer close(f.readDone)
	defer close(f.errs)
	defer close(f.messages)

	for _, msg := range pending {
		if !f.emit(msg) {
			return
		}
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if f.closing() {
				return
			}
			f.report(&FeedError{Exchange: f.name, Fatal: true, Err: err})
			return
		}

		var msg model.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.report(&FeedError{Exchange: f.name, Err: err})
			continue
		}
		if msg.Type == "error" {
			f.report(&FeedError{Exchange: f.name, Err: errors.New(strings.TrimSpace(msg.Message + " " + msg.Reason))})
			continue
		}

		if !f.emit(msg) {
			return
		}
	}
}

func (f *GDAXFeed) emit(msg model.RawMessage) bool {
	select {
	case f.messages <- msg:
		return true
	case <-f.done:
		return false
	}
}

func (f *GDAXFeed) report(err error) {
	select {
	case f.errs <- err:
	default:
		f.logger.Warn("GDAXFeed: error channel full, dropping error", "error", err)
	}
}

func (f *GDAXFeed) closing() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Close unsubscribes from the feed when a session exists and releases the connection.
func (f *GDAXFeed) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)

		f.mu.Lock()
		conn, subs, started := f.conn, f.subscriptions, f.started
		f.subscriptions = nil
		f.mu.Unlock()

		if !started {
			close(f.messages)
			close(f.errs)
			return
		}

		if len(subs) > 0 {
			f.logger.Info("GDAXFeed: removing subscriptions", "products", subs)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			req := subscribeRequest{Type: "unsubscribe", ProductIDs: subs, Channels: f.channels}
			if err := conn.WriteJSON(req); err != nil {
				f.logger.Warn("GDAXFeed: failed to unsubscribe", "error", err)
				f.closeErr = errors.Join(f.closeErr, err)
			} else {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
		}

		if err := conn.Close(); err != nil {
			f.closeErr = errors.Join(f.closeErr, err)
		}
		<-f.readDone
	})
	return f.closeErr
}
