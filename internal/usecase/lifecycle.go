package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultPendingTimeout = 90 * time.Second
	defaultUnknownGrace   = 15 * time.Minute
)

// LifecycleConfig tunes the manager's failure and timing behavior. Zero
// values fall back to defaults.
type LifecycleConfig struct {
	RetryAttempts  int
	RetryBackoff   time.Duration
	PendingTimeout time.Duration
	UnknownGrace   time.Duration
}

// LifecycleManager advances position groups through their state machine:
// it opens groups from signals, polls broker state against stored state,
// closes legs on threshold crossings, trails stops, and reconciles after
// restarts. The store owns persisted state; the broker is the source of
// truth for whether a ticket is still open.
type LifecycleManager struct {
	store   domain.Store
	broker  domain.Broker
	planner *Planner
	sink    domain.NotificationSink
	logger  *zap.Logger

	retryAttempts  int
	retryBackoff   time.Duration
	pendingTimeout time.Duration
	unknownGrace   time.Duration
}

func NewLifecycleManager(store domain.Store, broker domain.Broker, planner *Planner, sink domain.NotificationSink, cfg LifecycleConfig, logger *zap.Logger) *LifecycleManager {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = defaultPendingTimeout
	}
	if cfg.UnknownGrace <= 0 {
		cfg.UnknownGrace = defaultUnknownGrace
	}
	return &LifecycleManager{
		store:          store,
		broker:         broker,
		planner:        planner,
		sink:           sink,
		logger:         logger,
		retryAttempts:  cfg.RetryAttempts,
		retryBackoff:   cfg.RetryBackoff,
		pendingTimeout: cfg.PendingTimeout,
		unknownGrace:   cfg.UnknownGrace,
	}
}

// OpenGroup turns an accepted signal into a persisted group with its legs
// placed at the broker (or simulated under dry-run). Legs are stored as
// PENDING; the poll loop promotes them once the broker confirms the tickets.
func (m *LifecycleManager) OpenGroup(ctx context.Context, cfg *domain.BotConfig, sig *domain.TradeSignal) (*domain.PositionGroup, error) {
	active, err := m.store.CountActiveGroups(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("count active groups: %w", err)
	}
	if cfg.MaxConcurrent > 0 && active >= cfg.MaxConcurrent {
		m.event(ctx, cfg.ID, "", 0, domain.EventSignalRejected,
			fmt.Sprintf("max concurrent groups reached (%d/%d)", active, cfg.MaxConcurrent), 0)
		return nil, fmt.Errorf("%w: %d active groups", domain.ErrSlotsExhausted, active)
	}

	counter, err := m.store.NextGroupCounter(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("next group counter: %w", err)
	}

	plan, err := m.planner.Plan(ctx, cfg, sig, counter)
	if err != nil {
		m.event(ctx, cfg.ID, "", 0, domain.EventSignalRejected, err.Error(), sig.Entry)
		return nil, err
	}

	group := plan.Group
	if err := m.store.SaveGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}
	m.event(ctx, cfg.ID, group.ID, 0, domain.EventSignalAccepted,
		fmt.Sprintf("%s %s @ %.5f regime %s, %d legs", group.Direction, group.Symbol,
			group.EntryPrice, group.Regime, len(plan.Legs)), group.EntryPrice)

	placed := 0
	for _, leg := range plan.Legs {
		trade, err := m.placeLeg(ctx, group, leg)
		if err != nil {
			m.logger.Error("Leg placement failed",
				zap.String("bot_id", cfg.ID), zap.String("group_id", group.ID),
				zap.Int("leg", leg.Index), zap.Error(err))
			m.event(ctx, cfg.ID, group.ID, 0, domain.EventBrokerError,
				fmt.Sprintf("leg %d order failed: %v", leg.Index, err), 0)
			continue
		}
		if err := m.store.SaveTrade(ctx, trade); err != nil {
			// The order is live at the broker; reconciliation re-adopts it
			// by magic number on the next pass.
			m.logger.Error("Failed to persist placed leg",
				zap.Int64("ticket", trade.Ticket), zap.Error(err))
			continue
		}
		m.event(ctx, cfg.ID, group.ID, trade.Ticket, domain.EventOrderPlaced,
			fmt.Sprintf("leg %d %s %.2f lots sl %.5f tp %.5f magic %d",
				leg.Index, group.Direction, trade.Volume, leg.StopLoss, leg.TakeProfit, leg.Magic),
			trade.EntryPrice)
		placed++
	}

	if placed == 0 {
		group.Active = false
		group.ClosedAt = time.Now().UTC()
		if err := m.store.UpdateGroup(ctx, group); err != nil {
			m.logger.Error("Failed to deactivate empty group",
				zap.String("group_id", group.ID), zap.Error(err))
		}
		return nil, fmt.Errorf("no legs placed for group %s", group.ID)
	}

	m.notify(cfg.ID, "Position opened", "%s %s @ %.5f, %d leg(s), group %s",
		group.Direction, group.Symbol, group.EntryPrice, placed, group.ID)
	return group, nil
}

func (m *LifecycleManager) placeLeg(ctx context.Context, group *domain.PositionGroup, leg *PlannedLeg) (*domain.TradeRecord, error) {
	trade := &domain.TradeRecord{
		GroupID:    group.ID,
		BotID:      group.BotID,
		Symbol:     group.Symbol,
		LegIndex:   leg.Index,
		Direction:  group.Direction,
		Volume:     leg.Volume,
		EntryPrice: group.EntryPrice,
		StopLoss:   leg.StopLoss,
		TakeProfit: leg.TakeProfit,
		Status:     domain.StatusPending,
		Magic:      leg.Magic,
		OpenedAt:   time.Now().UTC(),
	}

	if group.DryRun {
		// Synthetic negative ticket: unique per leg, can never collide
		// with a real broker ticket.
		trade.Ticket = -leg.Magic
		return trade, nil
	}

	req := &domain.OrderRequest{
		Symbol:     group.Symbol,
		Direction:  group.Direction,
		Volume:     leg.Volume,
		StopLoss:   leg.StopLoss,
		TakeProfit: leg.TakeProfit,
		Magic:      leg.Magic,
		Comment:    fmt.Sprintf("%s g%04d l%d", group.BotID, group.Counter%10000, leg.Index),
		Deviation:  10,
	}
	var res *domain.OrderResult
	err := withRetry(ctx, m.retryAttempts, m.retryBackoff, func() error {
		var sendErr error
		res, sendErr = m.broker.OrderSend(ctx, req)
		return sendErr
	})
	if err != nil {
		return nil, err
	}

	trade.Ticket = res.Ticket
	if res.Price > 0 {
		trade.EntryPrice = res.Price
	}
	if res.Volume > 0 {
		trade.Volume = res.Volume
	}
	return trade, nil
}

// marketSnapshot is the broker state one poll cycle works against.
type marketSnapshot struct {
	tick      *domain.Tick
	info      *domain.SymbolInfo
	positions map[int64]*domain.BrokerPosition
}

// Poll runs one lifecycle cycle for the bot: fetch broker state, advance
// every active group. Failures on a single group do not stop the others.
func (m *LifecycleManager) Poll(ctx context.Context, cfg *domain.BotConfig) error {
	groups, err := m.store.ListActiveGroups(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("list active groups: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}

	snap, err := m.marketSnapshot(ctx, cfg)
	if err != nil {
		m.event(ctx, cfg.ID, "", 0, domain.EventBrokerError, err.Error(), 0)
		return err
	}

	for _, group := range groups {
		if err := m.manageGroup(ctx, group, snap); err != nil {
			m.logger.Error("Group management failed",
				zap.String("bot_id", cfg.ID), zap.String("group_id", group.ID), zap.Error(err))
		}
	}
	return nil
}

func (m *LifecycleManager) marketSnapshot(ctx context.Context, cfg *domain.BotConfig) (*marketSnapshot, error) {
	snap := &marketSnapshot{positions: make(map[int64]*domain.BrokerPosition)}

	err := withRetry(ctx, m.retryAttempts, m.retryBackoff, func() error {
		tick, tickErr := m.broker.SymbolInfoTick(ctx, cfg.Symbol)
		if tickErr != nil {
			return tickErr
		}
		snap.tick = tick
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", cfg.Symbol, err)
	}

	err = withRetry(ctx, m.retryAttempts, m.retryBackoff, func() error {
		info, infoErr := m.broker.SymbolInfo(ctx, cfg.Symbol)
		if infoErr != nil {
			return infoErr
		}
		snap.info = info
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", cfg.Symbol, err)
	}

	err = withRetry(ctx, m.retryAttempts, m.retryBackoff, func() error {
		positions, posErr := m.broker.PositionsGet(ctx, cfg.Symbol)
		if posErr != nil {
			return posErr
		}
		for _, p := range positions {
			snap.positions[p.Ticket] = p
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("positions %s: %w", cfg.Symbol, err)
	}

	return snap, nil
}

func (m *LifecycleManager) manageGroup(ctx context.Context, group *domain.PositionGroup, snap *marketSnapshot) error {
	trades, err := m.store.ListTradesByGroup(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("list trades for group %s: %w", group.ID, err)
	}

	group.UpdateExtremes(snap.tick.Bid, snap.tick.Ask)

	for _, leg := range trades {
		switch leg.Status {
		case domain.StatusPending:
			m.promotePending(ctx, group, leg, snap)
		case domain.StatusOpen:
			m.manageOpenLeg(ctx, group, leg, snap)
		}
	}

	m.applyTrailing(ctx, group, trades, snap)

	wasActive := group.Active
	allTerminal := len(trades) > 0
	for _, leg := range trades {
		if !leg.Status.Terminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		group.Active = false
		if group.ClosedAt.IsZero() {
			group.ClosedAt = time.Now().UTC()
		}
	}

	if err := m.store.UpdateGroup(ctx, group); err != nil {
		return fmt.Errorf("update group %s: %w", group.ID, err)
	}

	if wasActive && !group.Active {
		var total float64
		for _, leg := range trades {
			total += leg.ProfitUSD
		}
		m.event(ctx, group.BotID, group.ID, 0, domain.EventGroupClosed,
			fmt.Sprintf("all legs terminal, pnl %.2f", total), snap.tick.Bid)
		m.notify(group.BotID, "Group closed", "%s group %s closed, pnl %+.2f USD",
			group.Symbol, group.ID, total)
	}
	return nil
}

// promotePending confirms a freshly placed leg. Live legs promote when the
// broker reports the ticket; legs unconfirmed past the timeout degrade to
// UNKNOWN for the reconciliation pass. Dry-run legs fill immediately.
func (m *LifecycleManager) promotePending(ctx context.Context, group *domain.PositionGroup, leg *domain.TradeRecord, snap *marketSnapshot) {
	if group.DryRun {
		leg.Status = domain.StatusOpen
		if err := m.store.UpdateTrade(ctx, leg); err != nil {
			m.logger.Error("Failed to promote dry-run leg", zap.Int64("ticket", leg.Ticket), zap.Error(err))
			return
		}
		m.event(ctx, leg.BotID, group.ID, leg.Ticket, domain.EventOrderFilled,
			fmt.Sprintf("leg %d filled (dry run)", leg.LegIndex), leg.EntryPrice)
		return
	}

	if pos, ok := snap.positions[leg.Ticket]; ok {
		leg.Status = domain.StatusOpen
		if pos.PriceOpen > 0 {
			leg.EntryPrice = pos.PriceOpen
		}
		if err := m.store.UpdateTrade(ctx, leg); err != nil {
			m.logger.Error("Failed to promote leg", zap.Int64("ticket", leg.Ticket), zap.Error(err))
			return
		}
		m.event(ctx, leg.BotID, group.ID, leg.Ticket, domain.EventOrderFilled,
			fmt.Sprintf("leg %d filled @ %.5f", leg.LegIndex, leg.EntryPrice), leg.EntryPrice)
		return
	}

	if time.Since(leg.OpenedAt) > m.pendingTimeout {
		m.degradeToUnknown(ctx, group, leg,
			fmt.Sprintf("ticket %d never confirmed within %s", leg.Ticket, m.pendingTimeout), 0)
	}
}

func (m *LifecycleManager) manageOpenLeg(ctx context.Context, group *domain.PositionGroup, leg *domain.TradeRecord, snap *marketSnapshot) {
	closePx := closingPrice(leg.Direction, snap.tick)

	if !group.DryRun {
		if _, live := snap.positions[leg.Ticket]; !live {
			m.classifyVanished(ctx, group, leg, snap, closePx)
			return
		}
	}

	status, crossed := exitCrossed(leg, closePx)
	if !crossed {
		return
	}
	m.closeLeg(ctx, group, leg, snap, status, closePx)
}

// closeLeg sends the close order for one leg's full volume and settles the
// row. A failed close keeps the leg OPEN; the next poll tries again.
func (m *LifecycleManager) closeLeg(ctx context.Context, group *domain.PositionGroup, leg *domain.TradeRecord, snap *marketSnapshot, status domain.TradeStatus, closePx float64) {
	if !group.DryRun {
		var res *domain.OrderResult
		err := withRetry(ctx, m.retryAttempts, m.retryBackoff, func() error {
			var closeErr error
			res, closeErr = m.broker.OrderClose(ctx, leg.Ticket, leg.Volume)
			return closeErr
		})
		if err != nil {
			m.logger.Error("Close order failed",
				zap.Int64("ticket", leg.Ticket), zap.String("status", string(status)), zap.Error(err))
			m.event(ctx, leg.BotID, group.ID, leg.Ticket, domain.EventBrokerError,
				fmt.Sprintf("close leg %d as %s: %v", leg.LegIndex, status, err), closePx)
			return
		}
		if res.Price > 0 {
			closePx = res.Price
		}
	}
	m.settleLeg(ctx, group, leg, snap.info, status, closePx, "")
}

// settleLeg records a terminal exit: status, close price, realized profit,
// group hit flags, audit event, notification.
func (m *LifecycleManager) settleLeg(ctx context.Context, group *domain.PositionGroup, leg *domain.TradeRecord, info *domain.SymbolInfo, status domain.TradeStatus, closePx float64, basis string) {
	leg.Status = status
	leg.ClosePrice = closePx
	leg.ClosedAt = time.Now().UTC()

	usd, pct, err := domain.LegProfit(leg.Direction, leg.EntryPrice, closePx, leg.Volume, info.TickValue, info.TickSize)
	if err != nil {
		m.logger.Warn("Profit computation failed", zap.Int64("ticket", leg.Ticket), zap.Error(err))
	} else {
		leg.ProfitUSD = usd
		leg.ProfitPct = pct
	}

	if err := m.store.UpdateTrade(ctx, leg); err != nil {
		m.logger.Error("Failed to persist leg close", zap.Int64("ticket", leg.Ticket), zap.Error(err))
		return
	}

	evType := domain.EventPartialClose
	title := string(status) + " hit"
	switch status {
	case domain.StatusTP1:
		group.MarkTakeProfit(1)
	case domain.StatusTP2:
		group.MarkTakeProfit(2)
	case domain.StatusTP3:
		group.MarkTakeProfit(3)
	case domain.StatusSL:
		evType = domain.EventStopLoss
		title = "Stop loss"
	case domain.StatusManualClose:
		evType = domain.EventManualClose
		title = "Manual close"
	}

	detail := fmt.Sprintf("leg %d closed @ %.5f pnl %.2f (%.4f%%)", leg.LegIndex, closePx, leg.ProfitUSD, leg.ProfitPct)
	if basis != "" {
		detail += ", " + basis
	}
	m.event(ctx, leg.BotID, group.ID, leg.Ticket, evType, detail, closePx)
	m.notify(leg.BotID, title, "%s leg %d closed @ %.5f, pnl %+.2f USD",
		leg.Symbol, leg.LegIndex, closePx, leg.ProfitUSD)

	m.logger.Info("Leg closed",
		zap.String("bot_id", leg.BotID),
		zap.String("group_id", group.ID),
		zap.Int64("ticket", leg.Ticket),
		zap.String("status", string(status)),
		zap.Float64("pnl", leg.ProfitUSD))
}

// classifyVanished handles a leg whose ticket the broker no longer reports
// without this manager having closed it. Threshold inference first (a
// broker-side SL/TP fill leaves the tick beyond the stored level), then the
// deal history, else UNKNOWN.
func (m *LifecycleManager) classifyVanished(ctx context.Context, group *domain.PositionGroup, leg *domain.TradeRecord, snap *marketSnapshot, closePx float64) {
	if status, crossed := exitCrossed(leg, closePx); crossed {
		m.settleLeg(ctx, group, leg, snap.info, status, closePx, "inferred from tick after ticket vanished")
		return
	}

	if deal := m.findCloseDeal(ctx, leg); deal != nil {
		status := domain.StatusManualClose
		switch deal.Reason {
		case domain.DealReasonSL:
			status = domain.StatusSL
		case domain.DealReasonTP:
			status = domain.TakeProfitStatus(leg.LegIndex)
		}
		px := deal.Price
		if px == 0 {
			px = closePx
		}
		m.settleLeg(ctx, group, leg, snap.info, status, px,
			fmt.Sprintf("deal %d reason %s", deal.Ticket, deal.Reason))
		return
	}

	m.degradeToUnknown(ctx, group, leg,
		fmt.Sprintf("ticket %d vanished, last price %.5f inside SL/TP band, no close deal found", leg.Ticket, closePx),
		closePx)
}

func (m *LifecycleManager) degradeToUnknown(ctx context.Context, group *domain.PositionGroup, leg *domain.TradeRecord, detail string, price float64) {
	leg.Status = domain.StatusUnknown
	// ClosedAt marks when the ambiguity was noticed; the reconciliation
	// pass uses it as the age basis for coercion.
	leg.ClosedAt = time.Now().UTC()
	if err := m.store.UpdateTrade(ctx, leg); err != nil {
		m.logger.Error("Failed to persist UNKNOWN leg", zap.Int64("ticket", leg.Ticket), zap.Error(err))
		return
	}
	m.event(ctx, leg.BotID, group.ID, leg.Ticket, domain.EventStatusUnknown, detail, price)
	m.logger.Warn("Leg status unknown",
		zap.String("bot_id", leg.BotID), zap.String("group_id", group.ID),
		zap.Int64("ticket", leg.Ticket), zap.String("detail", detail))
}

func (m *LifecycleManager) findCloseDeal(ctx context.Context, leg *domain.TradeRecord) *domain.Deal {
	deals, err := m.broker.RecentDeals(ctx, leg.Symbol, leg.OpenedAt)
	if err != nil {
		m.logger.Warn("Deal history unavailable", zap.Int64("ticket", leg.Ticket), zap.Error(err))
		return nil
	}
	var found *domain.Deal
	for _, d := range deals {
		// The entry fill shares the position id; only the opposite-side
		// deal closes the position.
		if d.PositionID != leg.Ticket || d.Direction == leg.Direction {
			continue
		}
		found = d
	}
	return found
}

// applyTrailing ratchets surviving legs' stops once the group is armed
// (TP1 hit): to break-even at worst, then behind the favorable extreme at
// the group's trailing distance. Stops only ever move in the trade's favor.
func (m *LifecycleManager) applyTrailing(ctx context.Context, group *domain.PositionGroup, trades []*domain.TradeRecord, snap *marketSnapshot) {
	if !group.Armed() || group.TrailDist <= 0 {
		return
	}

	newSL := trailingStop(group)
	for _, leg := range trades {
		if leg.Status != domain.StatusOpen {
			continue
		}
		if !improves(leg.Direction, newSL, leg.StopLoss) {
			continue
		}

		old := leg.StopLoss
		if !group.DryRun {
			err := withRetry(ctx, m.retryAttempts, m.retryBackoff, func() error {
				return m.broker.PositionModify(ctx, leg.Ticket, newSL, leg.TakeProfit)
			})
			if err != nil {
				m.logger.Error("Trailing modify failed", zap.Int64("ticket", leg.Ticket), zap.Error(err))
				m.event(ctx, leg.BotID, group.ID, leg.Ticket, domain.EventBrokerError,
					fmt.Sprintf("trailing modify leg %d: %v", leg.LegIndex, err), newSL)
				continue
			}
		}

		leg.StopLoss = newSL
		if err := m.store.UpdateTrade(ctx, leg); err != nil {
			m.logger.Error("Failed to persist trailing stop", zap.Int64("ticket", leg.Ticket), zap.Error(err))
			continue
		}
		m.event(ctx, leg.BotID, group.ID, leg.Ticket, domain.EventTrailingAdjusted,
			fmt.Sprintf("leg %d sl %.5f -> %.5f", leg.LegIndex, old, newSL), newSL)
	}
}

// trailingStop is the stop an armed group wants now: break-even at worst,
// otherwise the favorable extreme minus the trailing distance.
func trailingStop(group *domain.PositionGroup) float64 {
	if group.Direction == domain.DirectionBuy {
		sl := group.FavorableExtreme() - group.TrailDist
		if sl < group.EntryPrice {
			sl = group.EntryPrice
		}
		return sl
	}
	sl := group.FavorableExtreme() + group.TrailDist
	if sl > group.EntryPrice {
		sl = group.EntryPrice
	}
	return sl
}

// improves reports whether candidate is strictly tighter than current for
// the direction.
func improves(dir domain.Direction, candidate, current float64) bool {
	if dir == domain.DirectionBuy {
		return candidate > current
	}
	return candidate < current
}

// exitCrossed reports which exit the current price has crossed, stop loss
// taking priority when the tick is beyond both thresholds.
func exitCrossed(leg *domain.TradeRecord, closePx float64) (domain.TradeStatus, bool) {
	if leg.Direction == domain.DirectionBuy {
		if leg.StopLoss > 0 && closePx <= leg.StopLoss {
			return domain.StatusSL, true
		}
		if leg.TakeProfit > 0 && closePx >= leg.TakeProfit {
			return domain.TakeProfitStatus(leg.LegIndex), true
		}
		return "", false
	}
	if leg.StopLoss > 0 && closePx >= leg.StopLoss {
		return domain.StatusSL, true
	}
	if leg.TakeProfit > 0 && closePx <= leg.TakeProfit {
		return domain.TakeProfitStatus(leg.LegIndex), true
	}
	return "", false
}

// closingPrice is the side of the book a close order fills at.
func closingPrice(dir domain.Direction, tick *domain.Tick) float64 {
	if dir == domain.DirectionBuy {
		return tick.Bid
	}
	return tick.Ask
}

func (m *LifecycleManager) event(ctx context.Context, botID, groupID string, ticket int64, typ domain.EventType, detail string, price float64) {
	e := &domain.TradeEvent{
		ID:        uuid.NewString(),
		BotID:     botID,
		GroupID:   groupID,
		Ticket:    ticket,
		Type:      typ,
		Detail:    detail,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveEvent(ctx, e); err != nil {
		m.logger.Error("Failed to persist trade event",
			zap.String("type", string(typ)), zap.String("detail", detail), zap.Error(err))
	}
}

func (m *LifecycleManager) notify(botID, title, format string, args ...interface{}) {
	m.sink.Publish(&domain.Notification{
		BotID:   botID,
		Title:   title,
		Message: fmt.Sprintf(format, args...),
		At:      time.Now().UTC(),
	})
}
