package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"tradefeed/internal/model"
)

// TradeType is the upstream message type that carries a trade.
const TradeType = "ticker"

// PairSeparator joins the two legs of an exchange instrument code.
const PairSeparator = "-"

// Rejection reasons.
const (
	ReasonNotTrade     = "not_trade"
	ReasonMissingField = "missing_field"
	ReasonBadPair      = "bad_pair"
	ReasonBadDecimal   = "bad_decimal"
	ReasonNonPositive  = "non_positive"
	ReasonBadSide      = "bad_side"
	ReasonBadTime      = "bad_time"
	ReasonBadSequence  = "bad_sequence"
)

// ValidationError explains why a raw message did not produce a trade.
type ValidationError struct {
	Reason string
	Field  string
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s (%s)", e.Reason, e.Value)
	}
	return fmt.Sprintf("validation: %s: field %q value %q", e.Reason, e.Field, e.Value)
}

func reject(reason, field, value string) (model.Trade, error) {
	return model.Trade{}, &ValidationError{Reason: reason, Field: field, Value: value}
}

// Normalize converts a raw feed message into a canonical trade. It has no side effects.
func Normalize(exchange string, raw model.RawMessage) (model.Trade, error) {
	if raw.Type != TradeType {
		return reject(ReasonNotTrade, "", raw.Type)
	}

	required := []struct{ name, value string }{
		{"sequence", raw.Sequence.String()},
		{"product_id", raw.ProductID},
		{"side", raw.Side},
		{"last_size", raw.LastSize},
		{"price", raw.Price},
		{"time", raw.Time},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return reject(ReasonMissingField, f.name, "")
		}
	}

	sequence := strings.TrimSpace(raw.Sequence.String())
	if !isDigits(sequence) {
		return reject(ReasonBadSequence, "sequence", raw.Sequence.String())
	}

	source, destination, ok := model.SplitPair(raw.ProductID, PairSeparator)
	if !ok {
		return reject(ReasonBadPair, "product_id", raw.ProductID)
	}
	source, destination = strings.ToUpper(source), strings.ToUpper(destination)

	side, ok := model.ParseSide(raw.Side)
	if !ok {
		return reject(ReasonBadSide, "side", raw.Side)
	}

	quantity, err := positiveDecimal("last_size", raw.LastSize)
	if err != nil {
		return model.Trade{}, err
	}
	price, err := positiveDecimal("price", raw.Price)
	if err != nil {
		return model.Trade{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Time)
	if err != nil {
		return reject(ReasonBadTime, "time", raw.Time)
	}

	return model.Trade{
		Exchange:            exchange,
		TransactionID:       sequence,
		Pair:                source + PairSeparator + destination,
		SourceCurrency:      source,
		DestinationCurrency: destination,
		Side:                side,
		Quantity:            quantity,
		Price:               price,
		ExchangeTimestamp:   ts.UTC(),
	}, nil
}

func positiveDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Decimal{}, &ValidationError{Reason: ReasonBadDecimal, Field: field, Value: value}
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, &ValidationError{Reason: ReasonNonPositive, Field: field, Value: value}
	}
	return d, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
