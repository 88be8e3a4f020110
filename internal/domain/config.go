package domain

import "time"

// Regime is the market state a signal was generated under; TP/SL distances
// are configured per regime.
type Regime string

const (
	RegimeTrend Regime = "TREND"
	RegimeRange Regime = "RANGE"
)

type SizingMode string

const (
	SizingFixedLot    SizingMode = "FIXED_LOT"
	SizingRiskPercent SizingMode = "RISK_PERCENT"
)

type TrailingMode string

const (
	TrailingPoints TrailingMode = "POINTS"
	TrailingATR    TrailingMode = "ATR"
)

// RegimeParams are the exit distances, in points, for one market regime.
type RegimeParams struct {
	TP1Points float64
	TP2Points float64
	TP3Points float64
	SLPoints  float64
}

// BotConfig is one bot instance. A row is created at setup and mutated via
// the config endpoint; it is never deleted while the bot is running.
type BotConfig struct {
	ID             string
	Symbol         string
	Timeframe      string // M1, M5, M15, H1, H4, D1
	SizingMode     SizingMode
	FixedLot       float64
	RiskPercent    float64
	Trend          RegimeParams
	Range          RegimeParams
	TrailingMode   TrailingMode
	TrailingPoints float64
	ATRPeriod      int
	ATRMultiplier  float64
	SplitLegs      bool // three staggered legs instead of one
	DryRun         bool
	Enabled        bool
	MaxConcurrent  int
	PollIntervalMs int
	GroupCounter   int // monotonic sequence source, owned by the store
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Params returns the exit distances for the given regime.
func (c *BotConfig) Params(r Regime) RegimeParams {
	if r == RegimeRange {
		return c.Range
	}
	return c.Trend
}

// Legs returns how many broker legs one group opens under this config.
func (c *BotConfig) Legs() int {
	if c.SplitLegs {
		return 3
	}
	return 1
}

// PollInterval returns the poll period with a sane floor.
func (c *BotConfig) PollInterval() time.Duration {
	if c.PollIntervalMs < 250 {
		return 1 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
