package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tradefeed/internal/model"
)

// Subscriber is a downstream endpoint able to receive trade payloads.
// Deliver must not block on slow transports.
type Subscriber interface {
	ID() string
	Deliver(topic string, payload model.TradePayload) error
}

// ErrClosed is returned by Attach once the Router has released its subscriptions.
var ErrClosed = errors.New("router closed")

// DeliveryError reports a subscriber whose transport failed during Publish.
type DeliveryError struct {
	Subscriber string
	Topic      string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Topic, e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Router fans trades out to the subscribers attached to their topic.
// It holds non-owning references; sessions detach themselves when their transport ends.
type Router struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string][]Subscriber
	member map[Subscriber]map[string]struct{}
	closed bool
}

// New creates an empty Router.
func New(logger *slog.Logger) *Router {
	return &Router{
		logger: logger,
		topics: make(map[string][]Subscriber),
		member: make(map[Subscriber]map[string]struct{}),
	}
}

// Attach registers sub under topic. The topic is upper-cased; invalid paths are rejected.
func (r *Router) Attach(topic string, sub Subscriber) (string, error) {
	normalized, ok := model.NormalizeTopic(topic)
	if !ok {
		return "", fmt.Errorf("invalid topic %q", topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	topics := r.member[sub]
	if topics == nil {
		topics = make(map[string]struct{})
		r.member[sub] = topics
	}
	if _, ok := topics[normalized]; ok {
		return normalized, nil
	}
	topics[normalized] = struct{}{}
	r.topics[normalized] = append(r.topics[normalized], sub)
	return normalized, nil
}

// Unsubscribe removes sub from a single topic.
func (r *Router) Unsubscribe(topic string, sub Subscriber) {
	normalized, ok := model.NormalizeTopic(topic)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(normalized, sub)
}

// Detach removes sub from every topic it was attached to.
func (r *Router) Detach(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.member[sub] {
		r.removeLocked(topic, sub)
	}
	delete(r.member, sub)
}

func (r *Router) removeLocked(topic string, sub Subscriber) {
	list := r.topics[topic]
	for i, existing := range list {
		if existing != sub {
			continue
		}
		// Copy on removal: Publish may still iterate the previous slice.
		next := make([]Subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.topics, topic)
		} else {
			r.topics[topic] = next
		}
		break
	}
	if topics, ok := r.member[sub]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.member, sub)
		}
	}
}

// Publish delivers trade to every subscriber attached to topic at the moment of the call.
// Subscribers that fail are detached. It returns the number of successful deliveries.
func (r *Router) Publish(topic string, trade model.Trade) int {
	if normalized, ok := model.NormalizeTopic(topic); ok {
		topic = normalized
	}
	r.mu.RLock()
	subs := r.topics[topic]
	r.mu.RUnlock()
	if len(subs) == 0 {
		return 0
	}

	payload := trade.Payload()
	delivered := 0
	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Deliver(topic, payload); err != nil {
			derr := &DeliveryError{Subscriber: sub.ID(), Topic: topic, Err: err}
			r.logger.Warn("Detaching subscriber after failed delivery", "error", derr, "subscriber", sub.ID(), "topic", topic)
			failed = append(failed, sub)
			continue
		}
		delivered++
	}
	for _, sub := range failed {
		r.Detach(sub)
	}
	return delivered
}

// Subscribers returns the number of subscribers attached to topic.
func (r *Router) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Topics returns the subscriber count per topic.
func (r *Router) Topics() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.topics))
	for topic, subs := range r.topics {
		out[topic] = len(subs)
	}
	return out
}

// Close releases every subscription. Later Attach calls fail with ErrClosed.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.topics = make(map[string][]Subscriber)
	r.member = make(map[Subscriber]map[string]struct{})
}
