package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/storage"
)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleConfig(id string) *domain.BotConfig {
	return &domain.BotConfig{
		ID:         id,
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
		ATRPeriod:      14,
		ATRMultiplier:  1.5,
		SplitLegs:      true,
		Enabled:        true,
		MaxConcurrent:  3,
		PollIntervalMs: 1000,
	}
}

func sampleGroup(id, botID string) *domain.PositionGroup {
	now := time.Now().UTC()
	return &domain.PositionGroup{
		ID:         id,
		BotID:      botID,
		Symbol:     "XAUUSD",
		Direction:  domain.DirectionBuy,
		EntryPrice: 2000,
		StopLoss:   1990,
		TrailDist:  5,
		MaxPrice:   2000,
		MinPrice:   2000,
		Counter:    1,
		Regime:     domain.RegimeTrend,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func sampleTrade(ticket int64, groupID, botID string, legIndex int, status domain.TradeStatus) *domain.TradeRecord {
	return &domain.TradeRecord{
		Ticket:     ticket,
		GroupID:    groupID,
		BotID:      botID,
		Symbol:     "XAUUSD",
		LegIndex:   legIndex,
		Direction:  domain.DirectionBuy,
		Volume:     0.1,
		EntryPrice: 2000,
		StopLoss:   1990,
		TakeProfit: 2005,
		Status:     status,
		Magic:      domain.MagicNumber(botID, legIndex, 1),
		OpenedAt:   time.Now().UTC(),
	}
}

func TestBotConfigRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cfg := sampleConfig("gold-trend")
	require.NoError(t, store.SaveBotConfig(ctx, cfg))

	got, err := store.GetBotConfig(ctx, "gold-trend")
	require.NoError(t, err)
	assert.Equal(t, cfg.Symbol, got.Symbol)
	assert.Equal(t, cfg.SizingMode, got.SizingMode)
	assert.Equal(t, cfg.Trend, got.Trend)
	assert.Equal(t, cfg.Range, got.Range)
	assert.Equal(t, cfg.TrailingMode, got.TrailingMode)
	assert.True(t, got.SplitLegs)
	assert.True(t, got.Enabled)
	assert.Equal(t, 0, got.GroupCounter)

	_, err = store.GetBotConfig(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBotNotFound)
}

func TestBotConfigUpsertPreservesCounter(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cfg := sampleConfig("gold-trend")
	require.NoError(t, store.SaveBotConfig(ctx, cfg))

	first, err := store.GetBotConfig(ctx, "gold-trend")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.NextGroupCounter(ctx, "gold-trend")
		require.NoError(t, err)
	}

	// A config edit must not reset the sequence or the creation time.
	cfg.FixedLot = 0.5
	require.NoError(t, store.SaveBotConfig(ctx, cfg))

	got, err := store.GetBotConfig(ctx, "gold-trend")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.FixedLot)
	assert.Equal(t, 3, got.GroupCounter)
	assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Second)
}

func TestNextGroupCounterMonotonic(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBotConfig(ctx, sampleConfig("gold-trend")))

	for want := 1; want <= 5; want++ {
		got, err := store.NextGroupCounter(ctx, "gold-trend")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := store.NextGroupCounter(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBotNotFound)
}

func TestGroupRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	g := sampleGroup("g1", "gold-trend")
	g.DryRun = true
	require.NoError(t, store.SaveGroup(ctx, g))

	got, err := store.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, g.BotID, got.BotID)
	assert.Equal(t, domain.DirectionBuy, got.Direction)
	assert.Equal(t, 2000.0, got.EntryPrice)
	assert.Equal(t, 1990.0, got.StopLoss)
	assert.Equal(t, 5.0, got.TrailDist)
	assert.Equal(t, domain.RegimeTrend, got.Regime)
	assert.True(t, got.DryRun)
	assert.True(t, got.Active)
	assert.True(t, got.ClosedAt.IsZero(), "open group must come back with a zero ClosedAt")

	_, err = store.GetGroup(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)
}

func TestUpdateGroup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	g := sampleGroup("g1", "gold-trend")
	require.NoError(t, store.SaveGroup(ctx, g))

	g.TP1Hit = true
	g.MaxPrice = 2008
	g.Active = false
	g.ClosedAt = time.Now().UTC()
	require.NoError(t, store.UpdateGroup(ctx, g))

	got, err := store.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, got.TP1Hit)
	assert.Equal(t, 2008.0, got.MaxPrice)
	assert.False(t, got.Active)
	assert.False(t, got.ClosedAt.IsZero())

	missing := sampleGroup("missing", "gold-trend")
	assert.ErrorIs(t, store.UpdateGroup(ctx, missing), domain.ErrGroupNotFound)
}

func TestListAndCountActiveGroups(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGroup(ctx, sampleGroup("g1", "gold-trend")))
	require.NoError(t, store.SaveGroup(ctx, sampleGroup("g2", "gold-trend")))
	closed := sampleGroup("g3", "gold-trend")
	closed.Active = false
	require.NoError(t, store.SaveGroup(ctx, closed))
	require.NoError(t, store.SaveGroup(ctx, sampleGroup("other", "eur-range")))

	active, err := store.ListActiveGroups(ctx, "gold-trend")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	count, err := store.CountActiveGroups(ctx, "gold-trend")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	all, err := store.ListGroups(ctx, "gold-trend", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	everything, err := store.ListActiveGroups(ctx, "")
	require.NoError(t, err)
	assert.Len(t, everything, 3)
}

func TestTradeRoundTripAndUpdate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	tr := sampleTrade(50001, "g1", "gold-trend", 1, domain.StatusPending)
	require.NoError(t, store.SaveTrade(ctx, tr))

	got, err := store.GetTradeByTicket(ctx, 50001)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, tr.Magic, got.Magic)
	assert.True(t, got.ClosedAt.IsZero())

	got.Status = domain.StatusTP1
	got.ClosePrice = 2005
	got.ProfitUSD = 50
	got.ProfitPct = 0.25
	got.ClosedAt = time.Now().UTC()
	require.NoError(t, store.UpdateTrade(ctx, got))

	closed, err := store.GetTradeByTicket(ctx, 50001)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTP1, closed.Status)
	assert.Equal(t, 50.0, closed.ProfitUSD)
	assert.Equal(t, 0.25, closed.ProfitPct)
	assert.False(t, closed.ClosedAt.IsZero())

	_, err = store.GetTradeByTicket(ctx, 99999)
	assert.ErrorIs(t, err, domain.ErrTradeNotFound)

	phantom := sampleTrade(99999, "g1", "gold-trend", 1, domain.StatusOpen)
	assert.ErrorIs(t, store.UpdateTrade(ctx, phantom), domain.ErrTradeNotFound)
}

func TestListTradesByGroupOrdersByLeg(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrade(ctx, sampleTrade(3, "g1", "gold-trend", 3, domain.StatusOpen)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(1, "g1", "gold-trend", 1, domain.StatusOpen)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(2, "g1", "gold-trend", 2, domain.StatusOpen)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(4, "g2", "gold-trend", 1, domain.StatusOpen)))

	legs, err := store.ListTradesByGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, legs, 3)
	for i, leg := range legs {
		assert.Equal(t, i+1, leg.LegIndex)
	}
}

func TestListOpenAndByStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrade(ctx, sampleTrade(1, "g1", "gold-trend", 1, domain.StatusPending)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(2, "g1", "gold-trend", 2, domain.StatusOpen)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(3, "g1", "gold-trend", 3, domain.StatusUnknown)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(4, "g2", "gold-trend", 1, domain.StatusTP1)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(5, "g3", "eur-range", 1, domain.StatusOpen)))

	open, err := store.ListOpenTrades(ctx, "gold-trend")
	require.NoError(t, err)
	assert.Len(t, open, 3, "PENDING, OPEN and UNKNOWN are all unfinished")

	unknown, err := store.ListTradesByStatus(ctx, "gold-trend", domain.StatusUnknown)
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Equal(t, int64(3), unknown[0].Ticket)
}

func TestRelabelTradeExit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrade(ctx, sampleTrade(1, "g1", "gold-trend", 1, domain.StatusTP2)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(2, "g1", "gold-trend", 2, domain.StatusOpen)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(3, "g1", "gold-trend", 3, domain.StatusUnknown)))

	// Terminal to terminal is allowed.
	require.NoError(t, store.RelabelTradeExit(ctx, 1, domain.StatusManualClose))
	got, err := store.GetTradeByTicket(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusManualClose, got.Status)

	// UNKNOWN may be resolved by hand.
	require.NoError(t, store.RelabelTradeExit(ctx, 3, domain.StatusSL))

	// An open leg belongs to the poll loop.
	assert.ErrorIs(t, store.RelabelTradeExit(ctx, 2, domain.StatusSL), domain.ErrStatusNotTermed)

	// Relabeling to a non-terminal status is never allowed.
	assert.ErrorIs(t, store.RelabelTradeExit(ctx, 1, domain.StatusOpen), domain.ErrStatusNotTermed)

	assert.ErrorIs(t, store.RelabelTradeExit(ctx, 999, domain.StatusSL), domain.ErrTradeNotFound)
}

func TestClearTradesKeepOpen(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTrade(ctx, sampleTrade(1, "g1", "gold-trend", 1, domain.StatusTP1)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(2, "g1", "gold-trend", 2, domain.StatusOpen)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(3, "g1", "gold-trend", 3, domain.StatusPending)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(4, "g2", "gold-trend", 1, domain.StatusUnknown)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade(5, "g3", "eur-range", 1, domain.StatusSL)))

	n, err := store.ClearTrades(ctx, "gold-trend", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the terminal leg may go")

	// PENDING, OPEN and UNKNOWN survive; the other bot is untouched.
	for _, ticket := range []int64{2, 3, 4, 5} {
		_, err := store.GetTradeByTicket(ctx, ticket)
		assert.NoError(t, err, "ticket %d should survive", ticket)
	}

	n, err = store.ClearTrades(ctx, "gold-trend", false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = store.GetTradeByTicket(ctx, 5)
	assert.NoError(t, err, "other bot's history must survive a scoped clear")

	n, err = store.ClearTrades(ctx, "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClearPositionGroupsKeepOpen(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGroup(ctx, sampleGroup("g1", "gold-trend")))
	closed := sampleGroup("g2", "gold-trend")
	closed.Active = false
	require.NoError(t, store.SaveGroup(ctx, closed))

	n, err := store.ClearPositionGroups(ctx, "gold-trend", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetGroup(ctx, "g1")
	assert.NoError(t, err, "active group must survive keep-open clear")
	_, err = store.GetGroup(ctx, "g2")
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)
}

func TestClearTradeEventsKeepOpen(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveGroup(ctx, sampleGroup("live", "gold-trend")))
	done := sampleGroup("done", "gold-trend")
	done.Active = false
	require.NoError(t, store.SaveGroup(ctx, done))

	now := time.Now().UTC()
	events := []*domain.TradeEvent{
		{ID: "e1", BotID: "gold-trend", GroupID: "live", Type: domain.EventOrderPlaced, CreatedAt: now},
		{ID: "e2", BotID: "gold-trend", GroupID: "done", Type: domain.EventGroupClosed, CreatedAt: now},
		{ID: "e3", BotID: "gold-trend", GroupID: "", Type: domain.EventSignalRejected, CreatedAt: now},
	}
	for _, e := range events {
		require.NoError(t, store.SaveEvent(ctx, e))
	}

	n, err := store.ClearTradeEvents(ctx, "gold-trend", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the live group's trail survives, the rest goes")

	left, err := store.ListEvents(ctx, "gold-trend", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "e1", left[0].ID)
}

func TestPurgeEvents(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	old := &domain.TradeEvent{
		ID: "old", BotID: "gold-trend", Type: domain.EventOrderPlaced,
		CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour),
	}
	fresh := &domain.TradeEvent{
		ID: "fresh", BotID: "gold-trend", Type: domain.EventOrderPlaced,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveEvent(ctx, old))
	require.NoError(t, store.SaveEvent(ctx, fresh))

	n, err := store.PurgeEvents(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListEvents(ctx, "gold-trend", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].ID)
}
