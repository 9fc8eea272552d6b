package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"tradefeed/internal/model"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) SaveTrade(ctx context.Context, trade model.Trade) (bool, error) {
	args := m.Called(ctx, trade)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) CountTrades(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) RecentTrades(ctx context.Context, pair string, limit int) ([]model.StoredTrade, error) {
	args := m.Called(ctx, pair, limit)
	return args.Get(0).([]model.StoredTrade), args.Error(1)
}

func (m *MockRepository) Close() {
	m.Called()
}

// memRepository keeps trades by natural key.
type memRepository struct {
	MockRepository
	mu     sync.Mutex
	trades map[model.TradeKey]model.Trade
}

func (r *memRepository) SaveTrade(_ context.Context, trade model.Trade) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[trade.Key()]; ok {
		return false, nil
	}
	r.trades[trade.Key()] = trade
	return true, nil
}

func (r *memRepository) Close() {}

// blockingRepository holds every write until its context ends.
type blockingRepository struct {
	memRepository
	started chan struct{}
}

func (r *blockingRepository) SaveTrade(ctx context.Context, _ model.Trade) (bool, error) {
	select {
	case r.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return false, ctx.Err()
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func trade(id string) model.Trade {
	return model.Trade{
		Exchange:            "gdax",
		TransactionID:       id,
		Pair:                "BTC-USD",
		SourceCurrency:      "BTC",
		DestinationCurrency: "USD",
		Side:                model.Sell,
		Quantity:            decimal.NewFromInt(1),
		Price:               decimal.NewFromInt(100),
	}
}

func TestSink_WritesAndFlushes(t *testing.T) {
	repo := new(MockRepository)
	repo.On("SaveTrade", mock.Anything, trade("1")).Return(true, nil).Once()
	repo.On("SaveTrade", mock.Anything, trade("2")).Return(true, nil).Once()
	repo.On("Close").Return().Once()

	s := New(discard(), repo, Options{BufferSize: 8})
	assert.True(t, s.Enqueue(trade("1")))
	assert.True(t, s.Enqueue(trade("2")))

	require.NoError(t, s.Close(context.Background()))
	repo.AssertExpectations(t)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(2), stats.Written)
	assert.Zero(t, stats.Lost)
}

func TestSink_DuplicateTradeStoredOnce(t *testing.T) {
	repo := &memRepository{trades: make(map[model.TradeKey]model.Trade)}
	s := New(discard(), repo, Options{})

	s.Enqueue(trade("42"))
	s.Enqueue(trade("42"))
	require.NoError(t, s.Close(context.Background()))

	assert.Len(t, repo.trades, 1)
	assert.Equal(t, uint64(1), s.Stats().Written)
	assert.Equal(t, uint64(1), s.Stats().Duplicates)
}

func TestSink_WriteFailureIsRecorded(t *testing.T) {
	repo := new(MockRepository)
	repo.On("SaveTrade", mock.Anything, mock.Anything).Return(false, errors.New("connection refused"))
	repo.On("Close").Return()

	s := New(discard(), repo, Options{})
	assert.True(t, s.Enqueue(trade("1")))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, uint64(1), s.Stats().Failed)
	assert.Zero(t, s.Stats().Written)
}

func TestSink_FullBufferDropsWithoutBlocking(t *testing.T) {
	repo := &blockingRepository{
		memRepository: memRepository{trades: make(map[model.TradeKey]model.Trade)},
		started:       make(chan struct{}, 1),
	}
	s := New(discard(), repo, Options{BufferSize: 1, WriteTimeout: time.Minute})

	require.True(t, s.Enqueue(trade("1")))
	<-repo.started
	require.True(t, s.Enqueue(trade("2")))

	begin := time.Now()
	assert.False(t, s.Enqueue(trade("3")))
	assert.Less(t, time.Since(begin), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	require.ErrorIs(t, err, ErrTradesLost)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(2), stats.Lost)
}

func TestSink_EnqueueAfterClose(t *testing.T) {
	repo := new(MockRepository)
	repo.On("Close").Return().Once()

	s := New(discard(), repo, Options{})
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.False(t, s.Enqueue(trade("1")))
	assert.Equal(t, uint64(1), s.Stats().Dropped)
	repo.AssertExpectations(t)
}
