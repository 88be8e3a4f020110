package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/storage"
	"github.com/vitos/mt5_trade_manager/internal/usecase"
	"go.uber.org/zap"
)

// MockBroker is an in-memory gateway: orders create positions, closes remove
// them, and the tests steer the tick.
type MockBroker struct {
	Tick      domain.Tick
	Info      domain.SymbolInfo
	Account   domain.AccountInfo
	Positions map[int64]*domain.BrokerPosition
	Deals     []*domain.Deal
	Rates     []domain.Rate

	NextTicket int64
	OrderErr   error
	CloseErr   error

	OrderSendCalls int
	CloseCalls     int
	ModifyCalls    []ModifyCall
}

type ModifyCall struct {
	Ticket     int64
	StopLoss   float64
	TakeProfit float64
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		Tick: domain.Tick{Symbol: "XAUUSD", Bid: 2000.0, Ask: 2000.0, Time: time.Now()},
		Info: domain.SymbolInfo{
			Symbol:     "XAUUSD",
			Digits:     2,
			Point:      1.0,
			TickSize:   0.01,
			TickValue:  1.0,
			VolumeMin:  0.01,
			VolumeMax:  100.0,
			VolumeStep: 0.01,
		},
		Account:    domain.AccountInfo{Login: 100123, Balance: 10000, Equity: 10000, FreeMargin: 10000, Currency: "USD"},
		Positions:  make(map[int64]*domain.BrokerPosition),
		NextTicket: 50001,
	}
}

func (m *MockBroker) Initialize(ctx context.Context) error { return nil }
func (m *MockBroker) Shutdown() error                      { return nil }
func (m *MockBroker) Ping(ctx context.Context) error       { return nil }

func (m *MockBroker) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	acct := m.Account
	return &acct, nil
}

func (m *MockBroker) SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	info := m.Info
	info.Symbol = symbol
	return &info, nil
}

func (m *MockBroker) SymbolInfoTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	tick := m.Tick
	tick.Symbol = symbol
	return &tick, nil
}

func (m *MockBroker) CopyRatesFromPos(ctx context.Context, symbol, timeframe string, start, count int) ([]domain.Rate, error) {
	return m.Rates, nil
}

func (m *MockBroker) CopyRatesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]domain.Rate, error) {
	return m.Rates, nil
}

func (m *MockBroker) PositionsGet(ctx context.Context, symbol string) ([]*domain.BrokerPosition, error) {
	var out []*domain.BrokerPosition
	for _, p := range m.Positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockBroker) OrderSend(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	m.OrderSendCalls++
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}

	price := m.Tick.Ask
	if req.Direction == domain.DirectionSell {
		price = m.Tick.Bid
	}
	ticket := m.NextTicket
	m.NextTicket++
	m.Positions[ticket] = &domain.BrokerPosition{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Direction:    req.Direction,
		Volume:       req.Volume,
		PriceOpen:    price,
		PriceCurrent: price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Magic:        req.Magic,
		Comment:      req.Comment,
		OpenedAt:     time.Now(),
	}
	return &domain.OrderResult{Ticket: ticket, Price: price, Volume: req.Volume}, nil
}

func (m *MockBroker) OrderClose(ctx context.Context, ticket int64, volume float64) (*domain.OrderResult, error) {
	m.CloseCalls++
	if m.CloseErr != nil {
		return nil, m.CloseErr
	}
	pos, ok := m.Positions[ticket]
	if !ok {
		return nil, fmt.Errorf("position %d not found", ticket)
	}
	price := m.Tick.Bid
	if pos.Direction == domain.DirectionSell {
		price = m.Tick.Ask
	}
	delete(m.Positions, ticket)
	return &domain.OrderResult{Ticket: ticket, Price: price, Volume: volume}, nil
}

func (m *MockBroker) PositionModify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	m.ModifyCalls = append(m.ModifyCalls, ModifyCall{Ticket: ticket, StopLoss: stopLoss, TakeProfit: takeProfit})
	if pos, ok := m.Positions[ticket]; ok {
		pos.StopLoss = stopLoss
		pos.TakeProfit = takeProfit
	}
	return nil
}

func (m *MockBroker) RecentDeals(ctx context.Context, symbol string, since time.Time) ([]*domain.Deal, error) {
	return m.Deals, nil
}

func (m *MockBroker) OnTick(callback func(tick *domain.Tick)) {}

func (m *MockBroker) SubscribeTicks(symbols []string) error { return nil }

// RemovePosition simulates a close that happened outside the manager
// (manual close in the terminal, broker-side SL/TP fill).
func (m *MockBroker) RemovePosition(ticket int64) {
	delete(m.Positions, ticket)
}

// CaptureSink collects published notifications.
type CaptureSink struct {
	Sent []*domain.Notification
}

func (c *CaptureSink) Publish(n *domain.Notification) {
	c.Sent = append(c.Sent, n)
}

// TestScenarioHelper wraps common setup for lifecycle scenario tests.
type TestScenarioHelper struct {
	t       *testing.T
	store   *storage.SQLiteStore
	broker  *MockBroker
	sink    *CaptureSink
	manager *usecase.LifecycleManager
	ctx     context.Context
	cfg     *domain.BotConfig
	groupID string
}

func NewTestScenarioHelper(t *testing.T) *TestScenarioHelper {
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker := NewMockBroker()
	sink := &CaptureSink{}
	logger := zap.NewNop()
	planner := usecase.NewPlanner(broker, logger)
	manager := usecase.NewLifecycleManager(store, broker, planner, sink, usecase.LifecycleConfig{
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	}, logger)

	h := &TestScenarioHelper{
		t:       t,
		store:   store,
		broker:  broker,
		sink:    sink,
		manager: manager,
		ctx:     context.Background(),
	}
	h.SetupBot(func(cfg *domain.BotConfig) {})
	return h
}

// SetupBot saves the bot config, applying overrides to the default:
// XAUUSD, 3 split legs of 0.1 lots, TP ladder 5/10/15 points, SL 10 points,
// 5-point trailing.
func (h *TestScenarioHelper) SetupBot(override func(cfg *domain.BotConfig)) {
	cfg := &domain.BotConfig{
		ID:         "gold-trend",
		Symbol:     "XAUUSD",
		Timeframe:  "M5",
		SizingMode: domain.SizingFixedLot,
		FixedLot:   0.3,
		Trend: domain.RegimeParams{
			TP1Points: 5, TP2Points: 10, TP3Points: 15, SLPoints: 10,
		},
		Range: domain.RegimeParams{
			TP1Points: 3, TP2Points: 5, TP3Points: 8, SLPoints: 6,
		},
		TrailingMode:   domain.TrailingPoints,
		TrailingPoints: 5,
		SplitLegs:      true,
		Enabled:        true,
		MaxConcurrent:  3,
		PollIntervalMs: 1000,
	}
	override(cfg)
	if err := h.store.SaveBotConfig(h.ctx, cfg); err != nil {
		h.t.Fatalf("Failed to save bot config: %v", err)
	}
	h.cfg = cfg
}

func (h *TestScenarioHelper) SetTick(bid, ask float64) {
	h.broker.Tick.Bid = bid
	h.broker.Tick.Ask = ask
	h.broker.Tick.Time = time.Now()
}

// Signal opens a group from a BUY/SELL signal and remembers its id.
func (h *TestScenarioHelper) Signal(dir domain.Direction) *domain.PositionGroup {
	group, err := h.manager.OpenGroup(h.ctx, h.cfg, &domain.TradeSignal{
		BotID:      h.cfg.ID,
		Direction:  dir,
		Regime:     domain.RegimeTrend,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		h.t.Fatalf("OpenGroup failed: %v", err)
	}
	h.groupID = group.ID
	return group
}

func (h *TestScenarioHelper) Poll() {
	if err := h.manager.Poll(h.ctx, h.cfg); err != nil {
		h.t.Fatalf("Poll failed: %v", err)
	}
}

func (h *TestScenarioHelper) Group() *domain.PositionGroup {
	group, err := h.store.GetGroup(h.ctx, h.groupID)
	if err != nil {
		h.t.Fatalf("Failed to load group: %v", err)
	}
	return group
}

// Legs returns the group's legs ordered by leg index.
func (h *TestScenarioHelper) Legs() []*domain.TradeRecord {
	trades, err := h.store.ListTradesByGroup(h.ctx, h.groupID)
	if err != nil {
		h.t.Fatalf("Failed to list legs: %v", err)
	}
	return trades
}

func (h *TestScenarioHelper) AssertLegStatus(legIndex int, want domain.TradeStatus) {
	for _, leg := range h.Legs() {
		if leg.LegIndex == legIndex {
			if leg.Status != want {
				h.t.Errorf("Leg %d: expected status %s, got %s", legIndex, want, leg.Status)
			}
			return
		}
	}
	h.t.Errorf("Leg %d not found", legIndex)
}

func (h *TestScenarioHelper) AssertGroupActive(want bool) {
	if got := h.Group().Active; got != want {
		h.t.Errorf("Expected group active=%v, got %v", want, got)
	}
}

// EventsOfType filters the bot's audit log.
func (h *TestScenarioHelper) EventsOfType(typ domain.EventType) []*domain.TradeEvent {
	events, err := h.store.ListEvents(h.ctx, h.cfg.ID, 1000)
	if err != nil {
		h.t.Fatalf("Failed to list events: %v", err)
	}
	var out []*domain.TradeEvent
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
