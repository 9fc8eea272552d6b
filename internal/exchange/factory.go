package exchange

import (
	"fmt"
	"log/slog"
	"strings"

	"tradefeed/internal/config"
)

// NewFeed creates a new exchange feed based on the given name and configuration.
func NewFeed(name string, logger *slog.Logger, cfg config.ExchangeConfig) (Feed, error) {
	switch strings.ToLower(name) {
	case "gdax", "coinbase":
		return NewGDAXFeed(name, logger, cfg), nil
	default:
		return nil, &config.ConfigurationError{Exchange: name, Reason: fmt.Sprintf("exchange %q not implemented", name)}
	}
}
