package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

// PlannedLeg is one broker order the plan wants placed.
type PlannedLeg struct {
	Index      int
	Volume     float64
	StopLoss   float64
	TakeProfit float64 // 0 means runner leg, managed by trailing only
	Magic      int64
}

// TradePlan is a fully resolved entry: the group row to persist and the
// orders to send. Nothing here has touched the broker's order book yet.
type TradePlan struct {
	Group *domain.PositionGroup
	Legs  []*PlannedLeg
}

// Planner turns an accepted signal into a concrete trade plan using live
// market data: entry from the current tick, exits from the regime's point
// distances, volume from the sizing mode, trailing distance resolved once
// at entry.
type Planner struct {
	broker domain.Broker
	logger *zap.Logger
}

func NewPlanner(broker domain.Broker, logger *zap.Logger) *Planner {
	return &Planner{
		broker: broker,
		logger: logger,
	}
}

func (p *Planner) Plan(ctx context.Context, cfg *domain.BotConfig, sig *domain.TradeSignal, counter int) (*TradePlan, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	info, err := p.broker.SymbolInfo(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", cfg.Symbol, err)
	}
	tick, err := p.broker.SymbolInfoTick(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", cfg.Symbol, err)
	}

	// Market entry: buy at ask, sell at bid.
	entry := tick.Ask
	if sig.Direction == domain.DirectionSell {
		entry = tick.Bid
	}

	params := cfg.Params(sig.Regime)
	stopLoss := priceAt(sig.Direction.Opposite(), entry, params.SLPoints, info.Point)
	if err := domain.ValidateLevels(sig.Direction, entry, stopLoss); err != nil {
		return nil, err
	}

	volume, err := p.groupVolume(ctx, cfg, info, params)
	if err != nil {
		return nil, err
	}
	legVolumes := domain.SplitVolume(volume, cfg.Legs(), info.VolumeMin, info.VolumeMax, info.VolumeStep)
	if legVolumes == nil {
		return nil, fmt.Errorf("%w: %f over %d legs (min %f, step %f)",
			domain.ErrVolumeTooSmall, volume, cfg.Legs(), info.VolumeMin, info.VolumeStep)
	}

	now := time.Now().UTC()
	group := &domain.PositionGroup{
		ID:         uuid.NewString(),
		BotID:      cfg.ID,
		Symbol:     cfg.Symbol,
		Direction:  sig.Direction,
		EntryPrice: entry,
		StopLoss:   stopLoss,
		TrailDist:  p.trailDistance(ctx, cfg, info),
		MaxPrice:   tick.Bid,
		MinPrice:   tick.Ask,
		Counter:    counter,
		Regime:     sig.Regime,
		DryRun:     cfg.DryRun,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	legs := make([]*PlannedLeg, len(legVolumes))
	for i, vol := range legVolumes {
		idx := i + 1
		legs[i] = &PlannedLeg{
			Index:      idx,
			Volume:     vol,
			StopLoss:   stopLoss,
			TakeProfit: p.legTakeProfit(cfg, sig.Direction, entry, params, idx, info.Point),
			Magic:      domain.MagicNumber(cfg.ID, idx, counter),
		}
	}

	return &TradePlan{Group: group, Legs: legs}, nil
}

// legTakeProfit staggers exits across the legs: leg 1 at TP1, leg 2 at TP2,
// leg 3 at TP3 or left open as a runner when no TP3 distance is configured.
// In single-leg mode the whole position exits at TP1.
func (p *Planner) legTakeProfit(cfg *domain.BotConfig, dir domain.Direction, entry float64, params domain.RegimeParams, legIndex int, point float64) float64 {
	if !cfg.SplitLegs {
		return priceAt(dir, entry, params.TP1Points, point)
	}
	switch legIndex {
	case 1:
		return priceAt(dir, entry, params.TP1Points, point)
	case 2:
		return priceAt(dir, entry, params.TP2Points, point)
	}
	if params.TP3Points <= 0 {
		return 0
	}
	return priceAt(dir, entry, params.TP3Points, point)
}

// groupVolume resolves the total volume to open across all legs. Risk-percent
// sizing needs the account balance; when that call fails the planner does not
// guess, it refuses the trade.
func (p *Planner) groupVolume(ctx context.Context, cfg *domain.BotConfig, info *domain.SymbolInfo, params domain.RegimeParams) (float64, error) {
	if cfg.SizingMode != domain.SizingRiskPercent {
		return cfg.FixedLot, nil
	}

	acct, err := p.broker.AccountInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("account info for risk sizing: %w", err)
	}
	perLotLoss := params.SLPoints * info.Point / info.TickSize * info.TickValue
	if perLotLoss <= 0 {
		return 0, fmt.Errorf("risk sizing: zero loss per lot for %s", cfg.Symbol)
	}
	volume := acct.Balance * cfg.RiskPercent / 100 / perLotLoss

	p.logger.Debug("Risk-based volume computed",
		zap.String("bot_id", cfg.ID),
		zap.Float64("balance", acct.Balance),
		zap.Float64("risk_percent", cfg.RiskPercent),
		zap.Float64("volume", volume))
	return volume, nil
}

// trailDistance resolves the trailing distance once, in price units. ATR mode
// samples recent candles; if history is unavailable it falls back to the
// fixed point distance rather than failing the entry.
func (p *Planner) trailDistance(ctx context.Context, cfg *domain.BotConfig, info *domain.SymbolInfo) float64 {
	fixed := cfg.TrailingPoints * info.Point
	if cfg.TrailingMode != domain.TrailingATR {
		return fixed
	}

	count := cfg.ATRPeriod*2 + 1
	rates, err := p.broker.CopyRatesFromPos(ctx, cfg.Symbol, cfg.Timeframe, 0, count)
	if err != nil {
		p.logger.Warn("ATR history unavailable, using fixed trailing distance",
			zap.String("symbol", cfg.Symbol), zap.Error(err))
		return fixed
	}
	atr := AverageTrueRange(rates, cfg.ATRPeriod)
	if atr <= 0 {
		p.logger.Warn("ATR not computable, using fixed trailing distance",
			zap.String("symbol", cfg.Symbol), zap.Int("bars", len(rates)))
		return fixed
	}
	return atr * cfg.ATRMultiplier
}

// priceAt walks a point distance from entry in the given direction.
func priceAt(dir domain.Direction, entry, points, point float64) float64 {
	if dir == domain.DirectionBuy {
		return entry + points*point
	}
	return entry - points*point
}
