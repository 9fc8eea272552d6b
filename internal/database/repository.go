package database

import (
	"context"

	"tradefeed/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error
	// SaveTrade stores trade once per (exchange, pair, transaction id); it reports
	// whether a new record was written.
	SaveTrade(ctx context.Context, trade model.Trade) (bool, error)
	CountTrades(ctx context.Context) (int64, error)
	RecentTrades(ctx context.Context, pair string, limit int) ([]model.StoredTrade, error)
	Close()
}
