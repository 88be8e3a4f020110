package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/broker"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/logger"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/notify"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/storage"
	"github.com/vitos/mt5_trade_manager/internal/usecase"
	"github.com/vitos/mt5_trade_manager/internal/web"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type RegimeYAML struct {
	TP1Points float64 `yaml:"tp1_points"`
	TP2Points float64 `yaml:"tp2_points"`
	TP3Points float64 `yaml:"tp3_points"`
	SLPoints  float64 `yaml:"sl_points"`
}

type BotYAML struct {
	ID             string     `yaml:"id"`
	Symbol         string     `yaml:"symbol"`
	Timeframe      string     `yaml:"timeframe"`
	SizingMode     string     `yaml:"sizing_mode"`
	FixedLot       float64    `yaml:"fixed_lot"`
	RiskPercent    float64    `yaml:"risk_percent"`
	Trend          RegimeYAML `yaml:"trend"`
	Range          RegimeYAML `yaml:"range"`
	TrailingMode   string     `yaml:"trailing_mode"`
	TrailingPoints float64    `yaml:"trailing_points"`
	ATRPeriod      int        `yaml:"atr_period"`
	ATRMultiplier  float64    `yaml:"atr_multiplier"`
	SplitLegs      bool       `yaml:"split_legs"`
	DryRun         bool       `yaml:"dry_run"`
	Enabled        bool       `yaml:"enabled"`
	MaxConcurrent  int        `yaml:"max_concurrent"`
	PollIntervalMs int        `yaml:"poll_interval_ms"`
}

type Config struct {
	Gateway struct {
		RESTEndpoint   string `yaml:"rest_endpoint"`
		WSEndpoint     string `yaml:"ws_endpoint"`
		PingIntervalMs int    `yaml:"ping_interval_ms"`
	} `yaml:"gateway"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Notifications struct {
		Enabled        bool   `yaml:"enabled"`
		WebhookURL     string `yaml:"webhook_url"`
		QueueSize      int    `yaml:"queue_size"`
		DrainTimeoutMs int    `yaml:"drain_timeout_ms"`
	} `yaml:"notifications"`
	Lifecycle struct {
		RetryAttempts   int `yaml:"retry_attempts"`
		RetryBackoffMs  int `yaml:"retry_backoff_ms"`
		PendingTimeoutS int `yaml:"pending_timeout_s"`
		UnknownGraceMin int `yaml:"unknown_grace_min"`
	} `yaml:"lifecycle"`
	Maintenance struct {
		EventRetentionDays int    `yaml:"event_retention_days"`
		PurgeSchedule      string `yaml:"purge_schedule"`
	} `yaml:"maintenance"`
	Bots []BotYAML `yaml:"bots"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func botConfigFromYAML(b BotYAML) *domain.BotConfig {
	return &domain.BotConfig{
		ID:             b.ID,
		Symbol:         b.Symbol,
		Timeframe:      b.Timeframe,
		SizingMode:     domain.SizingMode(b.SizingMode),
		FixedLot:       b.FixedLot,
		RiskPercent:    b.RiskPercent,
		Trend:          domain.RegimeParams(b.Trend),
		Range:          domain.RegimeParams(b.Range),
		TrailingMode:   domain.TrailingMode(b.TrailingMode),
		TrailingPoints: b.TrailingPoints,
		ATRPeriod:      b.ATRPeriod,
		ATRMultiplier:  b.ATRMultiplier,
		SplitLegs:      b.SplitLegs,
		DryRun:         b.DryRun,
		Enabled:        b.Enabled,
		MaxConcurrent:  b.MaxConcurrent,
		PollIntervalMs: b.PollIntervalMs,
	}
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// Secrets (gateway API key) come from the environment; .env is optional.
	_ = godotenv.Load()

	// 1. Load Config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "trade_manager.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Gateway + Connection Manager
	apiKey := os.Getenv("MT5_GATEWAY_API_KEY")
	gateway := broker.NewMT5Gateway(cfg.Gateway.RESTEndpoint, cfg.Gateway.WSEndpoint, apiKey, log)
	pingInterval := time.Duration(cfg.Gateway.PingIntervalMs) * time.Millisecond
	conn := broker.NewConnManager(gateway, pingInterval, log)

	ctx := context.Background()
	if err := conn.Initialize(ctx); err != nil {
		// Not fatal: the manager reconnects lazily once the gateway is back.
		log.Error("Gateway initialization failed, will keep retrying", zap.Error(err))
	}

	// 5. Seed bot configs from YAML (counters and created_at survive the upsert)
	for _, b := range cfg.Bots {
		if err := store.SaveBotConfig(ctx, botConfigFromYAML(b)); err != nil {
			log.Fatal("Failed to seed bot config", zap.String("bot_id", b.ID), zap.Error(err))
		}
	}

	// 6. Notification sink
	var sink domain.NotificationSink = notify.Discard{}
	var queue *notify.Queue
	if cfg.Notifications.Enabled && cfg.Notifications.WebhookURL != "" {
		queue = notify.NewQueue(notify.NewWebhookNotifier(cfg.Notifications.WebhookURL), cfg.Notifications.QueueSize, log)
		queue.Start()
		sink = queue
	}

	// 7. Lifecycle manager + bot service
	planner := usecase.NewPlanner(conn, log)
	manager := usecase.NewLifecycleManager(store, conn, planner, sink, usecase.LifecycleConfig{
		RetryAttempts:  cfg.Lifecycle.RetryAttempts,
		RetryBackoff:   time.Duration(cfg.Lifecycle.RetryBackoffMs) * time.Millisecond,
		PendingTimeout: time.Duration(cfg.Lifecycle.PendingTimeoutS) * time.Second,
		UnknownGrace:   time.Duration(cfg.Lifecycle.UnknownGraceMin) * time.Minute,
	}, log)
	bots := usecase.NewBotService(store, manager, log)

	started := bots.StartEnabled(ctx)
	log.Info("Bots started", zap.Int("count", started))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	// 8. Gateway tick stream: ops tap, visible at debug level
	if cfg.Gateway.WSEndpoint != "" {
		symbols := make(map[string]bool)
		for _, b := range cfg.Bots {
			if b.Enabled {
				symbols[b.Symbol] = true
			}
		}
		var subscribe []string
		for s := range symbols {
			subscribe = append(subscribe, s)
		}
		if len(subscribe) > 0 {
			conn.OnTick(func(tick *domain.Tick) {
				log.Debug("Tick",
					zap.String("symbol", tick.Symbol),
					zap.Float64("bid", tick.Bid),
					zap.Float64("ask", tick.Ask))
			})
			if err := conn.SubscribeTicks(subscribe); err != nil {
				log.Error("Failed to subscribe to tick stream", zap.Error(err))
			}
		}
	}

	// 9. Scheduled event purge
	retention := cfg.Maintenance.EventRetentionDays
	if retention <= 0 {
		retention = 30
	}
	schedule := cfg.Maintenance.PurgeSchedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(schedule, func() {
		olderThan := time.Now().UTC().AddDate(0, 0, -retention)
		n, err := store.PurgeEvents(context.Background(), olderThan)
		if err != nil {
			log.Error("Event purge failed", zap.Error(err))
			return
		}
		log.Info("Old events purged", zap.Int64("deleted", n), zap.Time("older_than", olderThan))
	}); err != nil {
		log.Fatal("Invalid purge schedule", zap.String("schedule", schedule), zap.Error(err))
	}
	scheduler.Start()

	// 10. Account summary loop
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				acct, err := conn.AccountInfo(context.Background())
				if err != nil {
					log.Warn("Account snapshot failed", zap.Error(err))
					continue
				}
				log.Info("Account snapshot",
					zap.Int64("login", acct.Login),
					zap.Float64("balance", acct.Balance),
					zap.Float64("equity", acct.Equity),
					zap.Float64("free_margin", acct.FreeMargin))
			case <-done:
				return
			}
		}
	}()

	// 11. Web Server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := web.NewServer(port, store, conn, bots, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 12. Wait for Shutdown
	<-stop
	log.Info("Shutting down...")
	close(done)

	bots.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	scheduler.Stop()

	if queue != nil {
		drain := time.Duration(cfg.Notifications.DrainTimeoutMs) * time.Millisecond
		if drain <= 0 {
			drain = 5 * time.Second
		}
		if err := queue.Drain(drain); err != nil {
			log.Warn("Notification drain incomplete", zap.Error(err), zap.Int64("dropped", queue.Dropped()))
		}
	}

	if err := conn.Shutdown(); err != nil {
		log.Error("Gateway shutdown failed", zap.Error(err))
	}
}
