package domain

import (
	"fmt"
	"time"
)

// TradeSignal is an externally generated entry request for one bot.
// Entry is advisory; orders are placed at market.
type TradeSignal struct {
	BotID      string
	Direction  Direction
	Regime     Regime
	Entry      float64
	Comment    string
	ReceivedAt time.Time
}

// Validate rejects malformed signals before any planning happens.
func (s *TradeSignal) Validate() error {
	if s.Direction != DirectionBuy && s.Direction != DirectionSell {
		return fmt.Errorf("%w: direction %q", ErrInvalidSignal, s.Direction)
	}
	if s.Regime != RegimeTrend && s.Regime != RegimeRange {
		return fmt.Errorf("%w: regime %q", ErrInvalidSignal, s.Regime)
	}
	if s.Entry < 0 {
		return fmt.Errorf("%w: negative entry %f", ErrInvalidSignal, s.Entry)
	}
	return nil
}

// ValidateLevels checks strategy-computed entry and stop-loss before an order
// is placed: both strictly positive, and the stop strictly on the losing side
// of entry (below for BUY, above for SELL). Nothing is persisted for a trade
// that fails here.
func ValidateLevels(dir Direction, entry, stopLoss float64) error {
	if entry <= 0 {
		return fmt.Errorf("%w: entry %f", ErrInvalidLevels, entry)
	}
	if stopLoss <= 0 {
		return fmt.Errorf("%w: stop loss %f", ErrInvalidLevels, stopLoss)
	}
	if dir == DirectionBuy && stopLoss >= entry {
		return fmt.Errorf("%w: stop loss %f not below entry %f for BUY", ErrInvalidLevels, stopLoss, entry)
	}
	if dir == DirectionSell && stopLoss <= entry {
		return fmt.Errorf("%w: stop loss %f not above entry %f for SELL", ErrInvalidLevels, stopLoss, entry)
	}
	return nil
}
