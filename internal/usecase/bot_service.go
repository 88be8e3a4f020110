package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

const (
	reconcileEvery = 1 * time.Minute
	signalBuffer   = 8
)

// BotService owns the per-bot polling goroutines. Configs live in the
// store; a running bot works from the config it was started with, so config
// changes take effect on the next start.
type BotService struct {
	store   domain.Store
	manager *LifecycleManager
	logger  *zap.Logger
	bots    map[string]*Bot
	mu      sync.Mutex
}

// Bot is one running poll loop.
type Bot struct {
	cfg     *domain.BotConfig
	manager *LifecycleManager
	logger  *zap.Logger

	signals    chan *domain.TradeSignal
	stopChan   chan struct{}
	cancel     context.CancelFunc
	running    bool
	lastPollAt time.Time
	lastErr    string
	mu         sync.Mutex
}

// BotStatus is the control surface's view of one bot.
type BotStatus struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Running      bool      `json:"running"`
	Enabled      bool      `json:"enabled"`
	DryRun       bool      `json:"dry_run"`
	ActiveGroups int       `json:"active_groups"`
	LastPollAt   time.Time `json:"last_poll_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

func NewBotService(store domain.Store, manager *LifecycleManager, logger *zap.Logger) *BotService {
	return &BotService{
		store:   store,
		manager: manager,
		logger:  logger,
		bots:    make(map[string]*Bot),
	}
}

// StartBot launches the poll loop for a configured bot.
func (s *BotService) StartBot(ctx context.Context, botID string) error {
	cfg, err := s.store.GetBotConfig(ctx, botID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bot, exists := s.bots[botID]; exists && bot.isRunning() {
		return fmt.Errorf("%w: %s", domain.ErrBotRunning, botID)
	}

	bot := &Bot{
		cfg:      cfg,
		manager:  s.manager,
		logger:   s.logger,
		signals:  make(chan *domain.TradeSignal, signalBuffer),
		stopChan: make(chan struct{}),
		running:  true,
	}
	s.bots[botID] = bot

	// The loop must outlive the HTTP request that started it; the request
	// context dies with the response.
	botCtx, cancel := context.WithCancel(context.Background())
	bot.cancel = cancel
	go bot.run(botCtx)

	s.logger.Info("Bot started",
		zap.String("bot_id", botID), zap.String("symbol", cfg.Symbol),
		zap.Bool("dry_run", cfg.DryRun))
	return nil
}

// StopBot stops a running bot's loop. Open groups stay open; restart the
// bot (or reconcile) to keep managing them.
func (s *BotService) StopBot(botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, exists := s.bots[botID]
	if !exists || !bot.isRunning() {
		return fmt.Errorf("%w: %s not running", domain.ErrBotNotFound, botID)
	}

	bot.stop()
	delete(s.bots, botID)

	s.logger.Info("Bot stopped", zap.String("bot_id", botID))
	return nil
}

// StartEnabled starts every enabled bot config. Individual failures are
// logged and skipped so one broken config does not hold the rest back.
func (s *BotService) StartEnabled(ctx context.Context) int {
	cfgs, err := s.store.ListBotConfigs(ctx)
	if err != nil {
		s.logger.Error("Failed to list bot configs", zap.Error(err))
		return 0
	}

	started := 0
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if err := s.StartBot(ctx, cfg.ID); err != nil {
			s.logger.Error("Failed to start bot", zap.String("bot_id", cfg.ID), zap.Error(err))
			continue
		}
		started++
	}
	return started
}

// StopAll stops every running bot, for shutdown.
func (s *BotService) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, bot := range s.bots {
		bot.stop()
		delete(s.bots, id)
		s.logger.Info("Bot stopped", zap.String("bot_id", id))
	}
}

// Signal hands an external signal to the bot's loop without blocking the
// caller. A full signal buffer rejects rather than queues indefinitely.
func (s *BotService) Signal(botID string, sig *domain.TradeSignal) error {
	s.mu.Lock()
	bot, exists := s.bots[botID]
	s.mu.Unlock()

	if !exists || !bot.isRunning() {
		return fmt.Errorf("%w: %s not running", domain.ErrBotNotFound, botID)
	}

	select {
	case bot.signals <- sig:
		return nil
	default:
		return fmt.Errorf("signal buffer full for bot %s", botID)
	}
}

// Status assembles one bot's view from store and loop state.
func (s *BotService) Status(ctx context.Context, botID string) (*BotStatus, error) {
	cfg, err := s.store.GetBotConfig(ctx, botID)
	if err != nil {
		return nil, err
	}
	active, err := s.store.CountActiveGroups(ctx, botID)
	if err != nil {
		return nil, err
	}

	st := &BotStatus{
		ID:           cfg.ID,
		Symbol:       cfg.Symbol,
		Enabled:      cfg.Enabled,
		DryRun:       cfg.DryRun,
		ActiveGroups: active,
	}

	s.mu.Lock()
	bot, exists := s.bots[botID]
	s.mu.Unlock()
	if exists {
		st.Running = bot.isRunning()
		st.LastPollAt, st.LastError = bot.pollState()
	}
	return st, nil
}

// Statuses lists every configured bot's status.
func (s *BotService) Statuses(ctx context.Context) ([]*BotStatus, error) {
	cfgs, err := s.store.ListBotConfigs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*BotStatus, 0, len(cfgs))
	for _, cfg := range cfgs {
		st, err := s.Status(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (b *Bot) run(ctx context.Context) {
	// Rebuild the broker/store association before the first poll so a
	// restart picks up legs the previous process left behind.
	if err := b.manager.Reconcile(ctx, b.cfg); err != nil {
		b.logger.Warn("Startup reconciliation failed", zap.String("bot_id", b.cfg.ID), zap.Error(err))
	}

	ticker := time.NewTicker(b.cfg.PollInterval())
	defer ticker.Stop()
	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()

	b.logger.Info("Bot poll loop started",
		zap.String("bot_id", b.cfg.ID),
		zap.Duration("interval", b.cfg.PollInterval()))

	for {
		select {
		case <-ticker.C:
			if err := b.manager.Poll(ctx, b.cfg); err != nil {
				b.logger.Error("Poll failed", zap.String("bot_id", b.cfg.ID), zap.Error(err))
				b.recordPoll(err)
			} else {
				b.recordPoll(nil)
			}
		case <-reconcile.C:
			if err := b.manager.Reconcile(ctx, b.cfg); err != nil {
				b.logger.Warn("Reconciliation failed", zap.String("bot_id", b.cfg.ID), zap.Error(err))
			}
		case sig := <-b.signals:
			if _, err := b.manager.OpenGroup(ctx, b.cfg, sig); err != nil {
				b.logger.Error("Signal rejected", zap.String("bot_id", b.cfg.ID), zap.Error(err))
				b.recordPoll(err)
			}
		case <-b.stopChan:
			b.logger.Info("Bot poll loop stopped", zap.String("bot_id", b.cfg.ID))
			return
		case <-ctx.Done():
			b.logger.Info("Bot poll loop cancelled", zap.String("bot_id", b.cfg.ID))
			return
		}
	}
}

func (b *Bot) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		b.running = false
		if b.cancel != nil {
			b.cancel()
		}
		close(b.stopChan)
	}
}

func (b *Bot) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) recordPoll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPollAt = time.Now().UTC()
	if err != nil {
		b.lastErr = err.Error()
	} else {
		b.lastErr = ""
	}
}

func (b *Bot) pollState() (time.Time, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPollAt, b.lastErr
}
