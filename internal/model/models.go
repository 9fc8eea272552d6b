package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade.
type Side int

const (
	Buy Side = iota + 1
	Sell
)

// ParseSide maps an exchange side string to a Side, ignoring case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	default:
		return 0, false
	}
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// RawMessage is a decoded upstream feed message before normalization.
// Every field is optional on the wire; the normalizer decides what is required.
type RawMessage struct {
	Type      string      `json:"type"`
	Sequence  Sequence  `json:"sequence,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	Side      string    `json:"side,omitempty"`
	LastSize  string    `json:"last_size,omitempty"`
	Price     string    `json:"price,omitempty"`
	Time      string    `json:"time,omitempty"`
	Message   string    `json:"message,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Channels  []Channel `json:"channels,omitempty"`
}

// Sequence is the feed's sequence number as sent. It decodes from a JSON number or
// string and never fails, so malformed values reach the normalizer.
type Sequence string

func (s *Sequence) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = Sequence(text)
		return nil
	}
	*s = Sequence(data)
	return nil
}

func (s Sequence) String() string { return string(s) }

// Channel is one entry of a subscriptions acknowledgement.
type Channel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// Trade is the canonical trade record. Values are immutable once built by the normalizer.
type Trade struct {
	Exchange            string
	TransactionID       string
	Pair                string
	SourceCurrency      string
	DestinationCurrency string
	Side                Side
	Quantity            decimal.Decimal
	Price               decimal.Decimal
	ExchangeTimestamp   time.Time
}

// Topic returns the subscription path trades of this pair are published on.
func (t Trade) Topic() string {
	return TopicFor(t.SourceCurrency, t.DestinationCurrency)
}

// Key identifies a trade within storage.
func (t Trade) Key() TradeKey {
	return TradeKey{Exchange: t.Exchange, Pair: t.Pair, TransactionID: t.TransactionID}
}

// Payload converts the trade into the shape pushed to downstream subscribers.
func (t Trade) Payload() TradePayload {
	return TradePayload{
		Exchange:        t.Exchange,
		Action:          t.Side.String(),
		Unit:            json.Number(t.Quantity.String()),
		Price:           json.Number(t.Price.String()),
		SourcePair:      t.SourceCurrency,
		DestinationPair: t.DestinationCurrency,
	}
}

// TradeKey is the natural key of a stored trade.
type TradeKey struct {
	Exchange      string
	Pair          string
	TransactionID string
}

// TradePayload is the JSON body delivered to topic subscribers.
type TradePayload struct {
	Exchange        string      `json:"exchange"`
	Action          string      `json:"action"`
	Unit            json.Number `json:"unit"`
	Price           json.Number `json:"price"`
	SourcePair      string      `json:"sourcePair"`
	DestinationPair string      `json:"destinationPair"`
}

// StoredTrade is a trade as read back from storage.
type StoredTrade struct {
	Trade
	ReceivedAt time.Time
}
