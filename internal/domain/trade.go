package domain

import "time"

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the closing direction for a position opened this way.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// TradeStatus is the per-leg lifecycle state.
// PENDING -> OPEN -> {TP1, TP2, TP3, SL, MANUAL_CLOSE} -> CLOSED,
// with UNKNOWN for legs the broker no longer reports and we cannot classify.
type TradeStatus string

const (
	StatusPending     TradeStatus = "PENDING"
	StatusOpen        TradeStatus = "OPEN"
	StatusTP1         TradeStatus = "TP1"
	StatusTP2         TradeStatus = "TP2"
	StatusTP3         TradeStatus = "TP3"
	StatusSL          TradeStatus = "SL"
	StatusManualClose TradeStatus = "MANUAL_CLOSE"
	StatusClosed      TradeStatus = "CLOSED"
	StatusUnknown     TradeStatus = "UNKNOWN"
)

// Terminal reports whether a leg in this status has finished its lifecycle.
// UNKNOWN is not terminal: it waits for the reconciliation pass to coerce it.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusTP1, StatusTP2, StatusTP3, StatusSL, StatusManualClose, StatusClosed:
		return true
	}
	return false
}

// TerminalStatuses lists every status Terminal reports true for, in a fixed
// order, for callers that build SQL filters.
func TerminalStatuses() []TradeStatus {
	return []TradeStatus{StatusTP1, StatusTP2, StatusTP3, StatusSL, StatusManualClose, StatusClosed}
}

// TakeProfitStatus maps a leg index (1-3) to its take-profit status.
func TakeProfitStatus(legIndex int) TradeStatus {
	switch legIndex {
	case 1:
		return StatusTP1
	case 2:
		return StatusTP2
	case 3:
		return StatusTP3
	}
	return StatusClosed
}

// TradeRecord is one broker leg of a position group.
type TradeRecord struct {
	Ticket     int64
	GroupID    string
	BotID      string
	Symbol     string
	LegIndex   int // 1-3
	Direction  Direction
	Volume     float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64 // 0 for a runner leg managed by trailing only
	ClosePrice float64
	ProfitUSD  float64
	ProfitPct  float64
	Status     TradeStatus
	Magic      int64
	OpenedAt   time.Time
	ClosedAt   time.Time // zero while the leg is open
}

// PositionGroup is one logical trade idea split into up to three broker legs.
type PositionGroup struct {
	ID         string
	BotID      string
	Symbol     string
	Direction  Direction
	EntryPrice float64
	StopLoss   float64 // group stop at entry time, before any trailing
	TrailDist  float64 // trailing distance in price units, resolved at entry
	MaxPrice   float64 // running highest bid seen while open
	MinPrice   float64 // running lowest ask seen while open
	TP1Hit     bool
	TP2Hit     bool
	TP3Hit     bool
	Counter    int // per-bot monotonic sequence, feeds the magic number
	Regime     Regime
	DryRun     bool
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ClosedAt   time.Time
}

// MarkTakeProfit records a take-profit hit for the given level. Lower levels
// are set too, so tp2_hit implies tp1_hit even when price gaps through
// several thresholds inside one poll.
func (g *PositionGroup) MarkTakeProfit(level int) {
	if level >= 1 {
		g.TP1Hit = true
	}
	if level >= 2 {
		g.TP2Hit = true
	}
	if level >= 3 {
		g.TP3Hit = true
	}
}

// Armed reports whether the trailing stop is armed for this group.
func (g *PositionGroup) Armed() bool {
	return g.TP1Hit
}

// UpdateExtremes folds the latest tick into the running max/min watermarks.
func (g *PositionGroup) UpdateExtremes(bid, ask float64) {
	if bid > g.MaxPrice {
		g.MaxPrice = bid
	}
	if g.MinPrice == 0 || ask < g.MinPrice {
		g.MinPrice = ask
	}
}

// FavorableExtreme returns the best price reached in the trade's favor.
func (g *PositionGroup) FavorableExtreme() float64 {
	if g.Direction == DirectionBuy {
		return g.MaxPrice
	}
	return g.MinPrice
}

// EventType classifies trade_events rows.
type EventType string

const (
	EventSignalAccepted   EventType = "SIGNAL_ACCEPTED"
	EventSignalRejected   EventType = "SIGNAL_REJECTED"
	EventOrderPlaced      EventType = "ORDER_PLACED"
	EventOrderFilled      EventType = "ORDER_FILLED"
	EventPartialClose     EventType = "PARTIAL_CLOSE"
	EventStopLoss         EventType = "STOP_LOSS"
	EventManualClose      EventType = "MANUAL_CLOSE"
	EventTrailingAdjusted EventType = "TRAILING_ADJUSTED"
	EventStatusUnknown    EventType = "STATUS_UNKNOWN"
	EventStatusCoerced    EventType = "STATUS_COERCED"
	EventStatusRelabeled  EventType = "STATUS_RELABELED"
	EventOrphanAdopted    EventType = "ORPHAN_ADOPTED"
	EventBrokerError      EventType = "BROKER_ERROR"
	EventGroupClosed      EventType = "GROUP_CLOSED"
)

// TradeEvent is an append-only audit record of a lifecycle transition.
// Rows are only ever inserted; retention is handled by explicit purges.
type TradeEvent struct {
	ID        string
	BotID     string
	GroupID   string
	Ticket    int64
	Type      EventType
	Detail    string
	Price     float64
	CreatedAt time.Time
}
