package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/usecase"
	"go.uber.org/zap"
)

type StubBroker struct {
	Info  domain.SymbolInfo
	Tick  domain.Tick
	Acct  domain.AccountInfo
	Rates []domain.Rate

	AcctErr  error
	RatesErr error
}

func NewStubBroker() *StubBroker {
	return &StubBroker{
		Info: domain.SymbolInfo{
			Symbol: "XAUUSD", Digits: 2, Point: 1.0, TickSize: 0.01, TickValue: 1.0,
			VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
		},
		Tick: domain.Tick{Symbol: "XAUUSD", Bid: 1999.5, Ask: 2000.0, Time: time.Now()},
		Acct: domain.AccountInfo{Balance: 10000, Equity: 10000, Currency: "USD"},
	}
}

func (s *StubBroker) Initialize(ctx context.Context) error { return nil }
func (s *StubBroker) Shutdown() error                      { return nil }
func (s *StubBroker) Ping(ctx context.Context) error       { return nil }

func (s *StubBroker) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	if s.AcctErr != nil {
		return nil, s.AcctErr
	}
	acct := s.Acct
	return &acct, nil
}

func (s *StubBroker) SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	info := s.Info
	return &info, nil
}

func (s *StubBroker) SymbolInfoTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	tick := s.Tick
	return &tick, nil
}

func (s *StubBroker) CopyRatesFromPos(ctx context.Context, symbol, timeframe string, start, count int) ([]domain.Rate, error) {
	if s.RatesErr != nil {
		return nil, s.RatesErr
	}
	return s.Rates, nil
}

func (s *StubBroker) CopyRatesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]domain.Rate, error) {
	return s.Rates, nil
}

func (s *StubBroker) PositionsGet(ctx context.Context, symbol string) ([]*domain.BrokerPosition, error) {
	return nil, nil
}

func (s *StubBroker) OrderSend(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	return nil, errors.New("not implemented")
}

func (s *StubBroker) OrderClose(ctx context.Context, ticket int64, volume float64) (*domain.OrderResult, error) {
	return nil, errors.New("not implemented")
}

func (s *StubBroker) PositionModify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	return nil
}

func (s *StubBroker) RecentDeals(ctx context.Context, symbol string, since time.Time) ([]*domain.Deal, error) {
	return nil, nil
}

func (s *StubBroker) OnTick(callback func(tick *domain.Tick)) {}
func (s *StubBroker) SubscribeTicks(symbols []string) error   { return nil }

func testConfig() *domain.BotConfig {
	return &domain.BotConfig{
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
	}
}

func buySignal() *domain.TradeSignal {
	return &domain.TradeSignal{
		BotID:      "gold-trend",
		Direction:  domain.DirectionBuy,
		Regime:     domain.RegimeTrend,
		ReceivedAt: time.Now(),
	}
}

func TestPlanner_BuyPlan(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	plan, err := planner.Plan(context.Background(), testConfig(), buySignal(), 7)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	group := plan.Group
	if group.EntryPrice != 2000.0 {
		t.Errorf("BUY must enter at ask: expected 2000, got %v", group.EntryPrice)
	}
	if group.StopLoss != 1990.0 {
		t.Errorf("Expected stop 1990, got %v", group.StopLoss)
	}
	if group.TrailDist != 5.0 {
		t.Errorf("Expected trailing distance 5, got %v", group.TrailDist)
	}
	if group.Counter != 7 {
		t.Errorf("Expected counter 7, got %d", group.Counter)
	}
	if !group.Active {
		t.Error("Expected a freshly planned group to be active")
	}

	if len(plan.Legs) != 3 {
		t.Fatalf("Expected 3 legs, got %d", len(plan.Legs))
	}
	wantTPs := []float64{2005, 2010, 2015}
	for i, leg := range plan.Legs {
		if leg.Volume != 0.1 {
			t.Errorf("Leg %d: expected volume 0.1, got %v", leg.Index, leg.Volume)
		}
		if leg.StopLoss != 1990 {
			t.Errorf("Leg %d: expected stop 1990, got %v", leg.Index, leg.StopLoss)
		}
		if leg.TakeProfit != wantTPs[i] {
			t.Errorf("Leg %d: expected TP %v, got %v", leg.Index, wantTPs[i], leg.TakeProfit)
		}
		if want := domain.MagicNumber("gold-trend", leg.Index, 7); leg.Magic != want {
			t.Errorf("Leg %d: expected magic %d, got %d", leg.Index, want, leg.Magic)
		}
	}
}

func TestPlanner_SellPlanMirrors(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	sig := buySignal()
	sig.Direction = domain.DirectionSell
	plan, err := planner.Plan(context.Background(), testConfig(), sig, 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	group := plan.Group
	if group.EntryPrice != 1999.5 {
		t.Errorf("SELL must enter at bid: expected 1999.5, got %v", group.EntryPrice)
	}
	if group.StopLoss != 2009.5 {
		t.Errorf("Expected stop above entry at 2009.5, got %v", group.StopLoss)
	}
	if plan.Legs[0].TakeProfit != 1994.5 {
		t.Errorf("Expected TP1 below entry at 1994.5, got %v", plan.Legs[0].TakeProfit)
	}
}

func TestPlanner_SingleLegMode(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	cfg := testConfig()
	cfg.SplitLegs = false
	plan, err := planner.Plan(context.Background(), cfg, buySignal(), 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(plan.Legs) != 1 {
		t.Fatalf("Expected 1 leg, got %d", len(plan.Legs))
	}
	if plan.Legs[0].Volume != 0.3 {
		t.Errorf("Expected full volume 0.3, got %v", plan.Legs[0].Volume)
	}
	if plan.Legs[0].TakeProfit != 2005 {
		t.Errorf("Single leg exits at TP1: expected 2005, got %v", plan.Legs[0].TakeProfit)
	}
}

func TestPlanner_RunnerLegWhenNoTP3(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	cfg := testConfig()
	cfg.Trend.TP3Points = 0
	plan, err := planner.Plan(context.Background(), cfg, buySignal(), 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Legs[2].TakeProfit != 0 {
		t.Errorf("Expected runner leg without TP, got %v", plan.Legs[2].TakeProfit)
	}
}

func TestPlanner_RangeRegimeUsesRangeDistances(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	sig := buySignal()
	sig.Regime = domain.RegimeRange
	plan, err := planner.Plan(context.Background(), testConfig(), sig, 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Group.StopLoss != 1994 {
		t.Errorf("Expected range stop 1994, got %v", plan.Group.StopLoss)
	}
	if plan.Legs[0].TakeProfit != 2003 {
		t.Errorf("Expected range TP1 2003, got %v", plan.Legs[0].TakeProfit)
	}
}

func TestPlanner_RiskPercentSizing(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	cfg := testConfig()
	cfg.SizingMode = domain.SizingRiskPercent
	cfg.RiskPercent = 1.0

	// Risking 1% of 10000 = $100. A 10-point stop costs $1000/lot on this
	// contract, so the group volume is 0.1 lots.
	plan, err := planner.Plan(context.Background(), cfg, buySignal(), 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	var total float64
	for _, leg := range plan.Legs {
		total += leg.Volume
	}
	if total < 0.0999 || total > 0.1001 {
		t.Errorf("Expected total volume 0.1, got %v", total)
	}
}

func TestPlanner_RiskSizingRefusesWithoutBalance(t *testing.T) {
	broker := NewStubBroker()
	broker.AcctErr = errors.New("gateway timeout")
	planner := usecase.NewPlanner(broker, zap.NewNop())

	cfg := testConfig()
	cfg.SizingMode = domain.SizingRiskPercent
	cfg.RiskPercent = 1.0

	if _, err := planner.Plan(context.Background(), cfg, buySignal(), 1); err == nil {
		t.Fatal("Expected plan to refuse when the balance is unavailable")
	}
}

func TestPlanner_VolumeTooSmall(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	cfg := testConfig()
	cfg.FixedLot = 0.02 // cannot cover 3 legs at min 0.01 after flooring

	_, err := planner.Plan(context.Background(), cfg, buySignal(), 1)
	if !errors.Is(err, domain.ErrVolumeTooSmall) {
		t.Fatalf("Expected ErrVolumeTooSmall, got %v", err)
	}
}

func TestPlanner_InvalidSignalRejected(t *testing.T) {
	broker := NewStubBroker()
	planner := usecase.NewPlanner(broker, zap.NewNop())

	sig := buySignal()
	sig.Direction = "SIDEWAYS"
	_, err := planner.Plan(context.Background(), testConfig(), sig, 1)
	if !errors.Is(err, domain.ErrInvalidSignal) {
		t.Fatalf("Expected ErrInvalidSignal, got %v", err)
	}
}

func TestPlanner_ATRTrailingDistance(t *testing.T) {
	broker := NewStubBroker()
	// Constant 2-point bars: ATR is exactly 2.
	for i := 0; i < 29; i++ {
		broker.Rates = append(broker.Rates, domain.Rate{
			Time: int64(i), Open: 2001, High: 2002, Low: 2000, Close: 2001,
		})
	}
	planner := usecase.NewPlanner(broker, zap.NewNop())

	cfg := testConfig()
	cfg.TrailingMode = domain.TrailingATR
	cfg.ATRPeriod = 14
	cfg.ATRMultiplier = 1.5

	plan, err := planner.Plan(context.Background(), cfg, buySignal(), 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Group.TrailDist != 3.0 {
		t.Errorf("Expected ATR trail distance 2*1.5=3, got %v", plan.Group.TrailDist)
	}
}

func TestPlanner_ATRFallsBackToFixed(t *testing.T) {
	broker := NewStubBroker()
	broker.RatesErr = errors.New("history unavailable")
	planner := usecase.NewPlanner(broker, zap.NewNop())

	cfg := testConfig()
	cfg.TrailingMode = domain.TrailingATR
	cfg.ATRPeriod = 14
	cfg.ATRMultiplier = 1.5

	plan, err := planner.Plan(context.Background(), cfg, buySignal(), 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Group.TrailDist != 5.0 {
		t.Errorf("Expected fallback to fixed distance 5, got %v", plan.Group.TrailDist)
	}
}
