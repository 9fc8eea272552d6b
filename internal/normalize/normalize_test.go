package normalize

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tradefeed/internal/model"
)

func validTicker() model.RawMessage {
	return model.RawMessage{
		Type:      "ticker",
		Sequence:  "42",
		ProductID: "BTC-USD",
		Side:      "buy",
		LastSize:  "0.5",
		Price:     "9000.12",
		Time:      "2020-01-01T00:00:00Z",
	}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Reason
}

func TestNormalize_Ticker(t *testing.T) {
	trade, err := Normalize("gdax", validTicker())
	require.NoError(t, err)

	assert.Equal(t, "gdax", trade.Exchange)
	assert.Equal(t, "42", trade.TransactionID)
	assert.Equal(t, "BTC-USD", trade.Pair)
	assert.Equal(t, "BTC", trade.SourceCurrency)
	assert.Equal(t, "USD", trade.DestinationCurrency)
	assert.Equal(t, model.Buy, trade.Side)
	assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("9000.12")))
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), trade.ExchangeTimestamp)
	assert.Equal(t, "/BTC/USD", trade.Topic())
}

func TestNormalize_Heartbeat(t *testing.T) {
	_, err := Normalize("gdax", model.RawMessage{Type: "heartbeat", Sequence: "7", ProductID: "BTC-USD"})
	assert.Equal(t, ReasonNotTrade, reasonOf(t, err))
}

func TestNormalize_MissingFields(t *testing.T) {
	strip := map[string]func(*model.RawMessage){
		"sequence":   func(m *model.RawMessage) { m.Sequence = "" },
		"product_id": func(m *model.RawMessage) { m.ProductID = "" },
		"side":       func(m *model.RawMessage) { m.Side = "" },
		"last_size":  func(m *model.RawMessage) { m.LastSize = "  " },
		"price":      func(m *model.RawMessage) { m.Price = "" },
		"time":       func(m *model.RawMessage) { m.Time = "" },
	}
	for field, fn := range strip {
		t.Run(field, func(t *testing.T) {
			raw := validTicker()
			fn(&raw)
			trade, err := Normalize("gdax", raw)
			assert.Equal(t, ReasonMissingField, reasonOf(t, err))
			assert.Equal(t, model.Trade{}, trade)
		})
	}
}

func TestNormalize_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*model.RawMessage)
		reason string
	}{
		{"no separator", func(m *model.RawMessage) { m.ProductID = "BTCUSD" }, ReasonBadPair},
		{"three legs", func(m *model.RawMessage) { m.ProductID = "BTC-USD-EUR" }, ReasonBadPair},
		{"empty leg", func(m *model.RawMessage) { m.ProductID = "BTC-" }, ReasonBadPair},
		{"bad side", func(m *model.RawMessage) { m.Side = "hold" }, ReasonBadSide},
		{"bad size", func(m *model.RawMessage) { m.LastSize = "half" }, ReasonBadDecimal},
		{"zero size", func(m *model.RawMessage) { m.LastSize = "0" }, ReasonNonPositive},
		{"negative price", func(m *model.RawMessage) { m.Price = "-1" }, ReasonNonPositive},
		{"bad time", func(m *model.RawMessage) { m.Time = "yesterday" }, ReasonBadTime},
		{"bad sequence", func(m *model.RawMessage) { m.Sequence = "abc" }, ReasonBadSequence},
		{"fractional sequence", func(m *model.RawMessage) { m.Sequence = "4.2" }, ReasonBadSequence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validTicker()
			tc.mutate(&raw)
			_, err := Normalize("gdax", raw)
			assert.Equal(t, tc.reason, reasonOf(t, err))
		})
	}
}

func TestNormalize_DecodedSequenceForms(t *testing.T) {
	cases := []struct{ body, reason string }{
		{`{"type":"ticker","sequence":42}`, ""},
		{`{"type":"ticker","sequence":"42"}`, ""},
		{`{"type":"ticker","sequence":""}`, ReasonMissingField},
		{`{"type":"ticker","sequence":"x1"}`, ReasonBadSequence},
		{`{"type":"ticker","sequence":true}`, ReasonBadSequence},
		{`{"type":"ticker","sequence":null}`, ReasonMissingField},
	}
	for _, tc := range cases {
		body, reason := tc.body, tc.reason
		t.Run(body, func(t *testing.T) {
			raw := validTicker()
			raw.Sequence = ""
			require.NoError(t, json.Unmarshal([]byte(body), &raw))

			trade, err := Normalize("gdax", raw)
			if reason == "" {
				require.NoError(t, err)
				assert.Equal(t, "42", trade.TransactionID)
				return
			}
			assert.Equal(t, reason, reasonOf(t, err))
		})
	}
}

func TestNormalize_CaseAndRoundTrip(t *testing.T) {
	for _, pair := range []string{"btc-usd", "Eth-Eur", "LTC-BTC"} {
		raw := validTicker()
		raw.ProductID = pair
		raw.Side = "SELL"

		trade, err := Normalize("gdax", raw)
		require.NoError(t, err)
		assert.Equal(t, model.Sell, trade.Side)
		assert.Equal(t, trade.Pair, trade.SourceCurrency+PairSeparator+trade.DestinationCurrency)
		assert.Equal(t, trade.Pair, strings.ToUpper(pair))
	}
}
