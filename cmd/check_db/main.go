package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "trade_manager.db", "path to sqlite database")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	configs, err := store.ListBotConfigs(ctx)
	if err != nil {
		fmt.Printf("Failed to list bot configs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d bot configs:\n", len(configs))
	for _, cfg := range configs {
		fmt.Printf("- %s (%s %s): enabled=%v dry_run=%v split=%v counter=%d\n",
			cfg.ID, cfg.Symbol, cfg.Timeframe, cfg.Enabled, cfg.DryRun, cfg.SplitLegs, cfg.GroupCounter)

		active, err := store.CountActiveGroups(ctx, cfg.ID)
		if err != nil {
			fmt.Printf("  ❌ Failed to count active groups: %v\n", err)
			continue
		}
		fmt.Printf("  Active groups: %d\n", active)

		groups, err := store.ListActiveGroups(ctx, cfg.ID)
		if err != nil {
			fmt.Printf("  ❌ Failed to list active groups: %v\n", err)
			continue
		}
		for _, g := range groups {
			fmt.Printf("  - Group %s: %s @ %f, tp1=%v tp2=%v tp3=%v\n",
				g.ID, g.Direction, g.EntryPrice, g.TP1Hit, g.TP2Hit, g.TP3Hit)
			trades, err := store.ListTradesByGroup(ctx, g.ID)
			if err != nil {
				fmt.Printf("    ❌ Failed to list legs: %v\n", err)
				continue
			}
			for _, t := range trades {
				fmt.Printf("    leg %d ticket %d status %s sl %f tp %f\n",
					t.LegIndex, t.Ticket, t.Status, t.StopLoss, t.TakeProfit)
			}
		}

		unknown, err := store.ListTradesByStatus(ctx, cfg.ID, domain.StatusUnknown)
		if err != nil {
			fmt.Printf("  ❌ Failed to list UNKNOWN legs: %v\n", err)
		} else if len(unknown) > 0 {
			fmt.Printf("  ⚠️ UNKNOWN legs: %d (run fix_statuses)\n", len(unknown))
		} else {
			fmt.Printf("  ✅ No UNKNOWN legs\n")
		}
	}

	events, err := store.ListEvents(ctx, "", 10)
	if err != nil {
		fmt.Printf("Failed to list events: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nLast %d events:\n", len(events))
	for _, e := range events {
		fmt.Printf("- [%s] %s bot=%s ticket=%d %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.BotID, e.Ticket, e.Detail)
	}
}
