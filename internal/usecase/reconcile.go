package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

// Reconcile re-associates broker state with stored state. It runs at bot
// startup, before the first poll, and periodically between polls: orphan
// broker positions are adopted back into their groups by magic number
// (scoped by symbol), then UNKNOWN legs past the grace window are coerced
// to CLOSED.
func (m *LifecycleManager) Reconcile(ctx context.Context, cfg *domain.BotConfig) error {
	if err := m.adoptOrphans(ctx, cfg); err != nil {
		return err
	}
	if _, err := m.CoerceUnknown(ctx, cfg, m.unknownGrace, true); err != nil {
		return err
	}
	return nil
}

// adoptOrphans closes the crash gap between "order filled at the broker"
// and "row persisted": any open position carrying a magic number that maps
// onto an active group's counter and an untracked leg slot gets a trade row
// recreated from broker state.
func (m *LifecycleManager) adoptOrphans(ctx context.Context, cfg *domain.BotConfig) error {
	groups, err := m.store.ListActiveGroups(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("list active groups: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}

	positions, err := m.broker.PositionsGet(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("positions %s: %w", cfg.Symbol, err)
	}

	tracked := make(map[int64]bool)
	legSeen := make(map[string]map[int]bool)
	for _, g := range groups {
		trades, err := m.store.ListTradesByGroup(ctx, g.ID)
		if err != nil {
			return fmt.Errorf("list trades for group %s: %w", g.ID, err)
		}
		legSeen[g.ID] = make(map[int]bool)
		for _, t := range trades {
			tracked[t.Ticket] = true
			legSeen[g.ID][t.LegIndex] = true
		}
	}

	prefix := domain.BotPrefix(cfg.ID)
	for _, pos := range positions {
		if pos.Magic == 0 || tracked[pos.Ticket] {
			continue
		}
		p, legIdx, counter := domain.SplitMagic(pos.Magic)
		if p != prefix {
			continue
		}
		group := groupByCounter(groups, counter)
		if group == nil {
			m.logger.Warn("Position carries our magic prefix but matches no active group",
				zap.String("bot_id", cfg.ID), zap.Int64("ticket", pos.Ticket), zap.Int64("magic", pos.Magic))
			continue
		}
		if legSeen[group.ID][legIdx] {
			m.logger.Warn("Leg slot already tracked, possible magic collision",
				zap.String("group_id", group.ID), zap.Int("leg", legIdx), zap.Int64("ticket", pos.Ticket))
			continue
		}

		openedAt := pos.OpenedAt
		if openedAt.IsZero() {
			openedAt = time.Now().UTC()
		}
		trade := &domain.TradeRecord{
			Ticket:     pos.Ticket,
			GroupID:    group.ID,
			BotID:      cfg.ID,
			Symbol:     pos.Symbol,
			LegIndex:   legIdx,
			Direction:  pos.Direction,
			Volume:     pos.Volume,
			EntryPrice: pos.PriceOpen,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
			Status:     domain.StatusOpen,
			Magic:      pos.Magic,
			OpenedAt:   openedAt,
		}
		if err := m.store.SaveTrade(ctx, trade); err != nil {
			return fmt.Errorf("adopt ticket %d: %w", pos.Ticket, err)
		}
		legSeen[group.ID][legIdx] = true

		m.event(ctx, cfg.ID, group.ID, pos.Ticket, domain.EventOrphanAdopted,
			fmt.Sprintf("leg %d re-associated by magic %d", legIdx, pos.Magic), pos.PriceOpen)
		m.logger.Info("Orphan position adopted",
			zap.String("bot_id", cfg.ID), zap.String("group_id", group.ID),
			zap.Int64("ticket", pos.Ticket), zap.Int("leg", legIdx))
	}
	return nil
}

func groupByCounter(groups []*domain.PositionGroup, counterMod int) *domain.PositionGroup {
	for _, g := range groups {
		if g.Counter%10000 == counterMod {
			return g
		}
	}
	return nil
}

// Coercion reports one UNKNOWN leg resolved (or resolvable) to CLOSED.
type Coercion struct {
	Ticket int64              `json:"ticket"`
	From   domain.TradeStatus `json:"from"`
	To     domain.TradeStatus `json:"to"`
	Price  float64            `json:"price"`
	Basis  string             `json:"basis"`
}

// CoerceUnknown resolves UNKNOWN legs older than minAge to CLOSED using the
// last known price against the stored thresholds. The inference basis and
// the pre-coercion state are written to the audit trail before the row
// changes. With apply false nothing is written; the returned slice is the
// report of what would change.
func (m *LifecycleManager) CoerceUnknown(ctx context.Context, cfg *domain.BotConfig, minAge time.Duration, apply bool) ([]Coercion, error) {
	unknown, err := m.store.ListTradesByStatus(ctx, cfg.ID, domain.StatusUnknown)
	if err != nil {
		return nil, fmt.Errorf("list unknown legs: %w", err)
	}

	aged := unknown[:0]
	for _, leg := range unknown {
		since := leg.ClosedAt
		if since.IsZero() {
			since = leg.OpenedAt
		}
		if time.Since(since) >= minAge {
			aged = append(aged, leg)
		}
	}
	if len(aged) == 0 {
		return nil, nil
	}

	tick, err := m.broker.SymbolInfoTick(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", cfg.Symbol, err)
	}
	info, err := m.broker.SymbolInfo(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", cfg.Symbol, err)
	}

	report := make([]Coercion, 0, len(aged))
	for _, leg := range aged {
		closePx := closingPrice(leg.Direction, tick)
		basis := "no threshold crossed, assumed flat close"
		if status, crossed := exitCrossed(leg, closePx); crossed {
			basis = fmt.Sprintf("last price %.5f beyond %s threshold", closePx, status)
		}
		report = append(report, Coercion{
			Ticket: leg.Ticket,
			From:   leg.Status,
			To:     domain.StatusClosed,
			Price:  closePx,
			Basis:  basis,
		})
		if !apply {
			continue
		}
		m.coerceLeg(ctx, leg, info, closePx, basis)
	}
	return report, nil
}

func (m *LifecycleManager) coerceLeg(ctx context.Context, leg *domain.TradeRecord, info *domain.SymbolInfo, closePx float64, basis string) {
	// Audit first: the ambiguous state must survive even if the update
	// below fails.
	m.event(ctx, leg.BotID, leg.GroupID, leg.Ticket, domain.EventStatusCoerced,
		fmt.Sprintf("%s coerced to %s: %s", leg.Status, domain.StatusClosed, basis), closePx)

	leg.Status = domain.StatusClosed
	leg.ClosePrice = closePx
	if leg.ClosedAt.IsZero() {
		leg.ClosedAt = time.Now().UTC()
	}
	usd, pct, err := domain.LegProfit(leg.Direction, leg.EntryPrice, closePx, leg.Volume, info.TickValue, info.TickSize)
	if err == nil {
		leg.ProfitUSD = usd
		leg.ProfitPct = pct
	}
	if err := m.store.UpdateTrade(ctx, leg); err != nil {
		m.logger.Error("Failed to persist coerced leg", zap.Int64("ticket", leg.Ticket), zap.Error(err))
		return
	}
	m.logger.Info("Unknown leg coerced to CLOSED",
		zap.String("bot_id", leg.BotID), zap.Int64("ticket", leg.Ticket), zap.String("basis", basis))
}

// RelabelExit fixes a mislabeled terminal status on one leg, with an audit
// event recording the change. Used by the maintenance command.
func (m *LifecycleManager) RelabelExit(ctx context.Context, ticket int64, to domain.TradeStatus) error {
	leg, err := m.store.GetTradeByTicket(ctx, ticket)
	if err != nil {
		return err
	}
	if leg.Status == to {
		return nil
	}
	if err := m.store.RelabelTradeExit(ctx, ticket, to); err != nil {
		if errors.Is(err, domain.ErrStatusNotTermed) {
			return fmt.Errorf("ticket %d: %w", ticket, err)
		}
		return err
	}
	m.event(ctx, leg.BotID, leg.GroupID, ticket, domain.EventStatusRelabeled,
		fmt.Sprintf("%s -> %s", leg.Status, to), leg.ClosePrice)
	return nil
}
