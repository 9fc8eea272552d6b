// Package forward mirrors published trades into external systems. Forwarders attach to
// the topic router like any other subscriber.
package forward

import (
	"errors"
	"fmt"
	"strings"

	"tradefeed/internal/config"
	"tradefeed/internal/model"
	"tradefeed/internal/normalize"
	"tradefeed/internal/router"
)

// ErrClosed is returned by Deliver once a forwarder is closed; the router then detaches it.
var ErrClosed = errors.New("forwarder closed")

// Attacher registers subscribers on topics.
type Attacher interface {
	Attach(topic string, sub router.Subscriber) (string, error)
}

// AttachConfigured attaches sub to the topic of every configured instrument.
func AttachConfigured(r Attacher, sub router.Subscriber, exchanges map[string]config.ExchangeConfig) ([]string, error) {
	seen := make(map[string]struct{})
	var topics []string
	for name, cfg := range exchanges {
		for _, instrument := range cfg.Instruments() {
			source, destination, ok := model.SplitPair(instrument, normalize.PairSeparator)
			if !ok {
				return topics, fmt.Errorf("exchange %s: invalid instrument %q", name, instrument)
			}
			topic := model.TopicFor(source, destination)
			if _, ok := seen[topic]; ok {
				continue
			}
			seen[topic] = struct{}{}
			if _, err := r.Attach(topic, sub); err != nil {
				return topics, err
			}
			topics = append(topics, topic)
		}
	}
	return topics, nil
}

// pairOf maps "/BTC/USD" to "BTC-USD".
func pairOf(topic string) string {
	return strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", normalize.PairSeparator)
}
