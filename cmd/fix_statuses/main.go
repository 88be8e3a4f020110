package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/broker"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/logger"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/notify"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/storage"
	"github.com/vitos/mt5_trade_manager/internal/usecase"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"gateway"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
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

// Repairs leg statuses: coerces aged UNKNOWN legs to CLOSED using the live
// tick against stored thresholds, or relabels one mislabeled terminal exit.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	botID := flag.String("bot", "", "bot id to repair (empty = all bots)")
	dryRun := flag.Bool("dry-run", false, "report what would change without writing")
	minAge := flag.Int("min-age", 0, "only coerce UNKNOWN legs older than this many minutes")
	ticket := flag.Int64("ticket", 0, "relabel mode: ticket to relabel")
	status := flag.String("status", "", "relabel mode: target terminal status (TP1, TP2, TP3, SL, MANUAL_CLOSE, CLOSED)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "trade_manager.db"
	}

	log, err := logger.NewLogger("error")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	gw := broker.NewMT5Gateway(cfg.Gateway.RESTEndpoint, cfg.Gateway.WSEndpoint, os.Getenv("MT5_GATEWAY_API_KEY"), log)
	manager := usecase.NewLifecycleManager(store, gw, usecase.NewPlanner(gw, log), notify.Discard{}, usecase.LifecycleConfig{}, log)

	ctx := context.Background()

	if *ticket != 0 {
		relabel(ctx, store, manager, *ticket, domain.TradeStatus(*status), *dryRun)
		return
	}

	if err := gw.Initialize(ctx); err != nil {
		fmt.Printf("❌ Gateway initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer gw.Shutdown()

	configs, err := store.ListBotConfigs(ctx)
	if err != nil {
		fmt.Printf("Failed to list bot configs: %v\n", err)
		os.Exit(1)
	}

	total := 0
	for _, bc := range configs {
		if *botID != "" && bc.ID != *botID {
			continue
		}
		report, err := manager.CoerceUnknown(ctx, bc, time.Duration(*minAge)*time.Minute, !*dryRun)
		if err != nil {
			fmt.Printf("❌ %s: %v\n", bc.ID, err)
			continue
		}
		for _, c := range report {
			verb := "coerced"
			if *dryRun {
				verb = "would coerce"
			}
			fmt.Printf("✅ %s: ticket %d %s %s -> %s @ %f (%s)\n",
				bc.ID, c.Ticket, verb, c.From, c.To, c.Price, c.Basis)
		}
		total += len(report)
	}

	if total == 0 {
		fmt.Printf("Nothing to repair.\n")
	} else if *dryRun {
		fmt.Printf("%d legs would change; rerun without -dry-run to apply.\n", total)
	} else {
		fmt.Printf("%d legs repaired.\n", total)
	}
}

func relabel(ctx context.Context, store *storage.SQLiteStore, manager *usecase.LifecycleManager, ticket int64, to domain.TradeStatus, dryRun bool) {
	if !to.Terminal() {
		fmt.Printf("❌ %q is not a terminal status\n", to)
		os.Exit(1)
	}

	leg, err := store.GetTradeByTicket(ctx, ticket)
	if err != nil {
		fmt.Printf("❌ Ticket %d: %v\n", ticket, err)
		os.Exit(1)
	}
	fmt.Printf("Ticket %d: bot %s leg %d, status %s, close %f\n",
		leg.Ticket, leg.BotID, leg.LegIndex, leg.Status, leg.ClosePrice)

	if dryRun {
		fmt.Printf("Would relabel %s -> %s\n", leg.Status, to)
		return
	}

	if err := manager.RelabelExit(ctx, ticket, to); err != nil {
		fmt.Printf("❌ Relabel failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Relabeled %s -> %s\n", leg.Status, to)
}
