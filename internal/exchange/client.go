package exchange

import (
	"context"
	"fmt"

	"tradefeed/internal/model"
)

// Feed owns one upstream streaming session with an exchange.
type Feed interface {
	Name() string
	// Connect establishes the session and subscribes to instruments.
	Connect(ctx context.Context, endpoint string, instruments []string) error
	// Messages yields decoded messages until the session closes.
	Messages() <-chan model.RawMessage
	// Errors yields asynchronous transport errors. It is closed together with Messages.
	Errors() <-chan error
	// Close unsubscribes and releases the transport. It is idempotent.
	Close() error
}

// ConnectionError reports that the upstream transport could not be established or used.
type ConnectionError struct {
	Exchange string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("exchange %s: connection to %s: %v", e.Exchange, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError reports that the exchange rejected or left empty the instrument set.
type SubscriptionError struct {
	Exchange string
	Reason   string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("exchange %s: subscription: %s", e.Exchange, e.Reason)
}

// FeedError is a transport problem seen after a successful connect.
// Fatal errors end the session; the others only drop one message.
type FeedError struct {
	Exchange string
	Fatal    bool
	Err      error
}

func (e *FeedError) Error() string {
	kind := "decode"
	if e.Fatal {
		kind = "transport"
	}
	return fmt.Sprintf("exchange %s: %s: %v", e.Exchange, kind, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }
