package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"tradefeed/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS market_trades (
	id BIGSERIAL PRIMARY KEY,
	exchange VARCHAR(50) NOT NULL,
	transaction_id VARCHAR(64) NOT NULL,
	pair VARCHAR(20) NOT NULL,
	source_pair VARCHAR(10) NOT NULL,
	destination_pair VARCHAR(10) NOT NULL,
	action VARCHAR(4) NOT NULL,
	unit NUMERIC NOT NULL,
	price NUMERIC NOT NULL,
	exchange_timestamp TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (exchange, pair, transaction_id)
);
CREATE INDEX IF NOT EXISTS market_trades_pair_time_idx ON market_trades (pair, exchange_timestamp DESC);`

const insertTradeSQL = `
INSERT INTO market_trades
	(exchange, transaction_id, pair, source_pair, destination_pair, action, unit, price, exchange_timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (exchange, pair, transaction_id) DO NOTHING`

const selectTradesSQL = `
SELECT exchange, transaction_id, pair, source_pair, destination_pair, action, unit, price, exchange_timestamp, received_at
FROM market_trades
WHERE ($1 = '' OR pair = $1)
ORDER BY exchange_timestamp DESC, id DESC
LIMIT $2`

// PostgresRepository stores trades in a postgres table keyed by (exchange, pair, transaction_id).
// The schema is created on first use when Migrate has not succeeded yet.
type PostgresRepository struct {
	Pool *pgxpool.Pool

	migrateMu sync.Mutex
	migrated  atomic.Bool
}

// NewPostgresRepository creates a pool for dsn. Connections are opened on first use, so an
// unreachable database only fails the calls that need it.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if r.migrated.Load() {
		return nil
	}
	r.migrateMu.Lock()
	defer r.migrateMu.Unlock()
	if r.migrated.Load() {
		return nil
	}
	if _, err := r.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	r.migrated.Store(true)
	return nil
}

func (r *PostgresRepository) SaveTrade(ctx context.Context, trade model.Trade) (bool, error) {
	if err := r.Migrate(ctx); err != nil {
		return false, err
	}
	tag, err := r.Pool.Exec(ctx, insertTradeSQL,
		trade.Exchange,
		trade.TransactionID,
		trade.Pair,
		trade.SourceCurrency,
		trade.DestinationCurrency,
		trade.Side.String(),
		toNumeric(trade.Quantity),
		toNumeric(trade.Price),
		trade.ExchangeTimestamp,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CountTrades(ctx context.Context) (int64, error) {
	if err := r.Migrate(ctx); err != nil {
		return 0, err
	}
	var n int64
	err := r.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM market_trades").Scan(&n)
	return n, err
}

func (r *PostgresRepository) RecentTrades(ctx context.Context, pair string, limit int) ([]model.StoredTrade, error) {
	if err := r.Migrate(ctx); err != nil {
		return nil, err
	}
	rows, err := r.Pool.Query(ctx, selectTradesSQL, strings.ToUpper(pair), limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StoredTrade, error) {
		var (
			t           model.StoredTrade
			action      string
			unit, price pgtype.Numeric
		)
		err := row.Scan(&t.Exchange, &t.TransactionID, &t.Pair, &t.SourceCurrency, &t.DestinationCurrency,
			&action, &unit, &price, &t.ExchangeTimestamp, &t.ReceivedAt)
		if err != nil {
			return t, err
		}
		t.Side, _ = model.ParseSide(action)
		t.Quantity = fromNumeric(unit)
		t.Price = fromNumeric(price)
		return t, nil
	})
}

func (r *PostgresRepository) Close() {
	if r.Pool != nil {
		r.Pool.Close()
	}
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
