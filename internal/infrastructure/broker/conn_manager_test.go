package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/broker"
	"go.uber.org/zap"
)

type fakeGateway struct {
	InitCalls     int
	PingCalls     int
	ShutdownCalls int
	AccountCalls  int

	InitErr error
	PingErr error
}

func (f *fakeGateway) Initialize(ctx context.Context) error {
	f.InitCalls++
	return f.InitErr
}

func (f *fakeGateway) Shutdown() error {
	f.ShutdownCalls++
	return nil
}

func (f *fakeGateway) Ping(ctx context.Context) error {
	f.PingCalls++
	return f.PingErr
}

func (f *fakeGateway) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	f.AccountCalls++
	return &domain.AccountInfo{Balance: 10000}, nil
}

func (f *fakeGateway) SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	return &domain.SymbolInfo{Symbol: symbol}, nil
}

func (f *fakeGateway) SymbolInfoTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	return &domain.Tick{Symbol: symbol}, nil
}

func (f *fakeGateway) CopyRatesFromPos(ctx context.Context, symbol, timeframe string, start, count int) ([]domain.Rate, error) {
	return nil, nil
}

func (f *fakeGateway) CopyRatesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]domain.Rate, error) {
	return nil, nil
}

func (f *fakeGateway) PositionsGet(ctx context.Context, symbol string) ([]*domain.BrokerPosition, error) {
	return nil, nil
}

func (f *fakeGateway) OrderSend(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	return &domain.OrderResult{Ticket: 1}, nil
}

func (f *fakeGateway) OrderClose(ctx context.Context, ticket int64, volume float64) (*domain.OrderResult, error) {
	return &domain.OrderResult{Ticket: ticket}, nil
}

func (f *fakeGateway) PositionModify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	return nil
}

func (f *fakeGateway) RecentDeals(ctx context.Context, symbol string, since time.Time) ([]*domain.Deal, error) {
	return nil, nil
}

func (f *fakeGateway) OnTick(callback func(tick *domain.Tick)) {}
func (f *fakeGateway) SubscribeTicks(symbols []string) error   { return nil }

func TestConnManager_LazyConnectOnFirstCall(t *testing.T) {
	gw := &fakeGateway{}
	m := broker.NewConnManager(gw, time.Minute, zap.NewNop())

	assert.False(t, m.Connected())

	_, err := m.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Connected())
	assert.Equal(t, 1, gw.InitCalls)
	assert.Equal(t, int64(1), m.Reconnects())
}

func TestConnManager_PingRateLimited(t *testing.T) {
	gw := &fakeGateway{}
	m := broker.NewConnManager(gw, time.Minute, zap.NewNop())
	require.NoError(t, m.Initialize(context.Background()))

	// Calls inside the ping window must not ping again.
	for i := 0; i < 5; i++ {
		_, err := m.AccountInfo(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 0, gw.PingCalls)
	assert.Equal(t, 5, gw.AccountCalls)
}

func TestConnManager_PingAfterIntervalElapsed(t *testing.T) {
	gw := &fakeGateway{}
	m := broker.NewConnManager(gw, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, m.Initialize(context.Background()))

	time.Sleep(20 * time.Millisecond)
	_, err := m.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, gw.PingCalls)
}

func TestConnManager_ReconnectsOnFailedPing(t *testing.T) {
	gw := &fakeGateway{}
	m := broker.NewConnManager(gw, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, int64(1), m.Reconnects())

	gw.PingErr = errors.New("gateway gone")
	time.Sleep(20 * time.Millisecond)

	// The failed ping triggers a teardown and a fresh Initialize, then the
	// call itself still succeeds.
	_, err := m.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Reconnects())
	assert.Equal(t, 2, gw.InitCalls)
	assert.Equal(t, 1, gw.ShutdownCalls)
	assert.True(t, m.Connected())
}

func TestConnManager_InitFailureSurfacesNotConnected(t *testing.T) {
	gw := &fakeGateway{InitErr: errors.New("refused")}
	m := broker.NewConnManager(gw, time.Minute, zap.NewNop())

	err := m.Initialize(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.False(t, m.Connected())

	_, err = m.AccountInfo(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, 0, gw.AccountCalls)
}

func TestConnManager_ShutdownIdempotent(t *testing.T) {
	gw := &fakeGateway{}
	m := broker.NewConnManager(gw, time.Minute, zap.NewNop())
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, gw.ShutdownCalls)
	assert.False(t, m.Connected())
}

func TestConnManager_ForcedPingRecovers(t *testing.T) {
	gw := &fakeGateway{}
	m := broker.NewConnManager(gw, time.Minute, zap.NewNop())
	require.NoError(t, m.Initialize(context.Background()))

	gw.PingErr = errors.New("dead socket")
	err := m.Ping(context.Background())
	require.NoError(t, err, "a failed ping with a healthy Initialize must recover")
	assert.Equal(t, int64(2), m.Reconnects())
}
