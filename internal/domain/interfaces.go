package domain

import (
	"context"
	"time"
)

// Broker is the MT5 gateway surface the lifecycle manager consumes.
type Broker interface {
	Initialize(ctx context.Context) error
	Shutdown() error
	Ping(ctx context.Context) error

	AccountInfo(ctx context.Context) (*AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	SymbolInfoTick(ctx context.Context, symbol string) (*Tick, error)
	CopyRatesFromPos(ctx context.Context, symbol, timeframe string, start, count int) ([]Rate, error)
	CopyRatesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Rate, error)

	PositionsGet(ctx context.Context, symbol string) ([]*BrokerPosition, error)
	OrderSend(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	OrderClose(ctx context.Context, ticket int64, volume float64) (*OrderResult, error)
	PositionModify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
	RecentDeals(ctx context.Context, symbol string, since time.Time) ([]*Deal, error)

	OnTick(callback func(tick *Tick))
	SubscribeTicks(symbols []string) error
}

// ConfigRepository stores bot configurations.
type ConfigRepository interface {
	SaveBotConfig(ctx context.Context, cfg *BotConfig) error
	GetBotConfig(ctx context.Context, id string) (*BotConfig, error)
	ListBotConfigs(ctx context.Context) ([]*BotConfig, error)
	DeleteBotConfig(ctx context.Context, id string) error
	// NextGroupCounter atomically advances and returns the bot's group
	// counter. Counters never repeat for a bot within the store's lifetime.
	NextGroupCounter(ctx context.Context, botID string) (int, error)
}

// GroupRepository stores position groups. An empty botID means all bots.
type GroupRepository interface {
	SaveGroup(ctx context.Context, g *PositionGroup) error
	UpdateGroup(ctx context.Context, g *PositionGroup) error
	GetGroup(ctx context.Context, id string) (*PositionGroup, error)
	ListActiveGroups(ctx context.Context, botID string) ([]*PositionGroup, error)
	ListGroups(ctx context.Context, botID string, limit int) ([]*PositionGroup, error)
	CountActiveGroups(ctx context.Context, botID string) (int, error)
	ClearPositionGroups(ctx context.Context, botID string, keepOpen bool) (int64, error)
}

// TradeRepository stores individual broker legs. An empty botID means all bots.
type TradeRepository interface {
	SaveTrade(ctx context.Context, t *TradeRecord) error
	UpdateTrade(ctx context.Context, t *TradeRecord) error
	GetTradeByTicket(ctx context.Context, ticket int64) (*TradeRecord, error)
	ListTradesByGroup(ctx context.Context, groupID string) ([]*TradeRecord, error)
	ListOpenTrades(ctx context.Context, botID string) ([]*TradeRecord, error)
	ListTradesByStatus(ctx context.Context, botID string, status TradeStatus) ([]*TradeRecord, error)
	RelabelTradeExit(ctx context.Context, ticket int64, status TradeStatus) error
	ClearTrades(ctx context.Context, botID string, keepOpen bool) (int64, error)
}

// EventRepository stores the append-only audit log.
type EventRepository interface {
	SaveEvent(ctx context.Context, e *TradeEvent) error
	ListEvents(ctx context.Context, botID string, limit int) ([]*TradeEvent, error)
	ClearTradeEvents(ctx context.Context, botID string, keepOpen bool) (int64, error)
	PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store is the full persistence surface; the SQLite store implements it.
type Store interface {
	ConfigRepository
	GroupRepository
	TradeRepository
	EventRepository
}

// Notification is a lifecycle message for the external channel.
type Notification struct {
	BotID   string    `json:"bot_id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// NotificationSink accepts notifications without blocking the caller.
// Delivery is fire-and-forget; a full queue drops rather than stalls.
type NotificationSink interface {
	Publish(n *Notification)
}
