package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"tradefeed/internal/model"
)

const redisWriteTimeout = 2 * time.Second

type streamEntry struct {
	topic   string
	payload model.TradePayload
}

// RedisStream appends every delivered trade to the stream "<prefix>:<PAIR>".
// Writes happen on a background goroutine; a full buffer drops the entry.
type RedisStream struct {
	logger *slog.Logger
	client redis.UniversalClient
	prefix string
	maxLen int64

	queue     chan streamEntry
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisStream starts a forwarder writing through client.
func NewRedisStream(logger *slog.Logger, client redis.UniversalClient, prefix string, maxLen int64, buffer int) *RedisStream {
	if buffer <= 0 {
		buffer = 1024
	}
	f := &RedisStream{
		logger: logger.With("forwarder", "redis"),
		client: client,
		prefix: prefix,
		maxLen: maxLen,
		queue:  make(chan streamEntry, buffer),
		done:   make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *RedisStream) ID() string {
	return "redis:" + f.prefix
}

func (f *RedisStream) Deliver(topic string, payload model.TradePayload) error {
	select {
	case <-f.done:
		return ErrClosed
	default:
	}
	select {
	case f.queue <- streamEntry{topic: topic, payload: payload}:
	default:
		f.logger.Warn("Redis forward buffer full, dropping trade", "topic", topic)
	}
	return nil
}

// Stream returns the stream key used for topic.
func (f *RedisStream) Stream(topic string) string {
	return f.prefix + ":" + pairOf(topic)
}

func (f *RedisStream) run() {
	defer f.wg.Done()
	for {
		select {
		case entry := <-f.queue:
			f.write(entry)
		case <-f.done:
			return
		}
	}
}

func (f *RedisStream) write(entry streamEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	p := entry.payload
	err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.Stream(entry.topic),
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]any{
			"exchange":        p.Exchange,
			"action":          p.Action,
			"unit":            p.Unit.String(),
			"price":           p.Price.String(),
			"sourcePair":      p.SourcePair,
			"destinationPair": p.DestinationPair,
		},
	}).Err()
	if err != nil {
		f.logger.Error("Failed to forward trade to redis", "error", err, "topic", entry.topic)
	}
}

// Close stops the writer and closes the redis client.
func (f *RedisStream) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.wg.Wait()
		err = f.client.Close()
	})
	return err
}
