package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

// DefaultPingInterval is the minimum spacing between liveness checks.
const DefaultPingInterval = 5 * time.Second

// ConnManager is the one shared gateway connection. Every bot holds a handle
// to the same instance and all calls serialize on its mutex. Before a call
// goes through, the connection is pinged, rate limited to once per
// pingInterval; a failed ping tears the connection down and reinitializes it
// before the call proceeds.
type ConnManager struct {
	broker       domain.Broker
	logger       *zap.Logger
	pingInterval time.Duration

	mu         sync.Mutex
	connected  bool
	lastPing   time.Time
	reconnects int64
}

func NewConnManager(b domain.Broker, pingInterval time.Duration, logger *zap.Logger) *ConnManager {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &ConnManager{
		broker:       b,
		logger:       logger,
		pingInterval: pingInterval,
	}
}

// Initialize establishes the shared connection. Safe to call again after a
// failure; it reinitializes from scratch.
func (m *ConnManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnect(ctx)
}

func (m *ConnManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	m.connected = false
	return m.broker.Shutdown()
}

// Ping forces a liveness check regardless of the rate limit.
func (m *ConnManager) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.broker.Ping(ctx); err != nil {
		return m.recover(ctx, err)
	}
	m.lastPing = time.Now()
	return nil
}

// Connected reports the last known state of the shared connection.
func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Reconnects returns how many times the connection was reinitialized.
func (m *ConnManager) Reconnects() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// ensure gates every delegated call: reconnect if needed, and run the
// rate-limited liveness check. Callers hold the mutex.
func (m *ConnManager) ensure(ctx context.Context) error {
	if !m.connected {
		if err := m.reconnect(ctx); err != nil {
			return err
		}
		return nil
	}

	if time.Since(m.lastPing) < m.pingInterval {
		return nil
	}

	if err := m.broker.Ping(ctx); err != nil {
		return m.recover(ctx, err)
	}
	m.lastPing = time.Now()
	return nil
}

// recover handles a failed ping: tear down and reinitialize once.
func (m *ConnManager) recover(ctx context.Context, cause error) error {
	m.logger.Warn("Gateway ping failed, reconnecting", zap.Error(cause))
	if err := m.reconnect(ctx); err != nil {
		return fmt.Errorf("%w: ping failed (%v) and reconnect failed: %v", domain.ErrNotConnected, cause, err)
	}
	return nil
}

func (m *ConnManager) reconnect(ctx context.Context) error {
	if m.connected {
		m.connected = false
		if err := m.broker.Shutdown(); err != nil {
			m.logger.Warn("Gateway shutdown before reconnect failed", zap.Error(err))
		}
	}

	if err := m.broker.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}

	m.connected = true
	m.lastPing = time.Now()
	m.reconnects++
	m.logger.Info("Gateway connection initialized", zap.Int64("reconnects", m.reconnects))
	return nil
}

func (m *ConnManager) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.AccountInfo(ctx)
}

func (m *ConnManager) SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.SymbolInfo(ctx, symbol)
}

func (m *ConnManager) SymbolInfoTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.SymbolInfoTick(ctx, symbol)
}

func (m *ConnManager) CopyRatesFromPos(ctx context.Context, symbol, timeframe string, start, count int) ([]domain.Rate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.CopyRatesFromPos(ctx, symbol, timeframe, start, count)
}

func (m *ConnManager) CopyRatesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]domain.Rate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.CopyRatesRange(ctx, symbol, timeframe, from, to)
}

func (m *ConnManager) PositionsGet(ctx context.Context, symbol string) ([]*domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.PositionsGet(ctx, symbol)
}

func (m *ConnManager) OrderSend(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.OrderSend(ctx, req)
}

func (m *ConnManager) OrderClose(ctx context.Context, ticket int64, volume float64) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.OrderClose(ctx, ticket, volume)
}

func (m *ConnManager) PositionModify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return err
	}
	return m.broker.PositionModify(ctx, ticket, stopLoss, takeProfit)
}

func (m *ConnManager) RecentDeals(ctx context.Context, symbol string, since time.Time) ([]*domain.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.broker.RecentDeals(ctx, symbol, since)
}

func (m *ConnManager) OnTick(callback func(tick *domain.Tick)) {
	m.broker.OnTick(callback)
}

func (m *ConnManager) SubscribeTicks(symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broker.SubscribeTicks(symbols)
}
