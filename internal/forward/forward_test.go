package forward

import (
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradefeed/internal/config"
	"tradefeed/internal/model"
	"tradefeed/internal/router"
)

type nopSubscriber struct{}

func (nopSubscriber) ID() string { return "nop" }

func (nopSubscriber) Deliver(string, model.TradePayload) error { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payload() model.TradePayload {
	return model.TradePayload{
		Exchange: "gdax", Action: "sell", Unit: "0.25", Price: "9000.5",
		SourcePair: "BTC", DestinationPair: "USD",
	}
}

func TestAttachConfigured(t *testing.T) {
	r := router.New(discard())
	topics, err := AttachConfigured(r, nopSubscriber{}, map[string]config.ExchangeConfig{
		"gdax": {Currency: []string{"BTC-USD", "eth-usd", "BTC-USD"}},
	})
	require.NoError(t, err)

	sort.Strings(topics)
	assert.Equal(t, []string{"/BTC/USD", "/ETH/USD"}, topics)
	assert.Equal(t, map[string]int{"/BTC/USD": 1, "/ETH/USD": 1}, r.Topics())
}

func TestAttachConfigured_InvalidInstrument(t *testing.T) {
	r := router.New(discard())
	_, err := AttachConfigured(r, nopSubscriber{}, map[string]config.ExchangeConfig{
		"gdax": {Currency: []string{"BTCUSD"}},
	})
	assert.Error(t, err)
}

func TestKafkaMessage(t *testing.T) {
	msg, err := message("/BTC/USD", payload())
	require.NoError(t, err)

	assert.Equal(t, "BTC-USD", string(msg.Key))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "sell", decoded["action"])
	assert.Equal(t, 0.25, decoded["unit"])
	assert.Equal(t, 9000.5, decoded["price"])
	assert.Equal(t, "BTC", decoded["sourcePair"])
}

func TestKafka_DeliverAfterClose(t *testing.T) {
	k := NewKafka(discard(), []string{"127.0.0.1:9092"}, "trades")
	assert.Equal(t, "kafka:trades", k.ID())
	require.NoError(t, k.Close())
	require.NoError(t, k.Close())
	assert.ErrorIs(t, k.Deliver("/BTC/USD", payload()), ErrClosed)
}
