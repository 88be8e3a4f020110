package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/mt5_trade_manager/internal/infrastructure/storage"
)

// Deletes trade history from the store. Irreversible; asks for an explicit
// YES unless -yes is passed.
func main() {
	dbPath := flag.String("db", "trade_manager.db", "path to sqlite database")
	botID := flag.String("bot", "", "bot id to clear (empty = all bots)")
	keepOpen := flag.Bool("keep-open", false, "keep non-terminal trades, active groups, and their events")
	trades := flag.Bool("trades", false, "clear trades")
	groups := flag.Bool("groups", false, "clear position groups")
	events := flag.Bool("events", false, "clear trade events")
	all := flag.Bool("all", false, "clear trades, groups, and events")
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	if *all {
		*trades, *groups, *events = true, true, true
	}
	if !*trades && !*groups && !*events {
		fmt.Printf("Nothing selected; pass -trades, -groups, -events, or -all\n")
		os.Exit(1)
	}

	scope := "ALL bots"
	if *botID != "" {
		scope = fmt.Sprintf("bot %q", *botID)
	}
	fmt.Printf("About to delete from %s (%s):\n", *dbPath, scope)
	if *events {
		fmt.Printf("- trade events\n")
	}
	if *trades {
		fmt.Printf("- trades\n")
	}
	if *groups {
		fmt.Printf("- position groups\n")
	}
	if *keepOpen {
		fmt.Printf("Keeping: non-terminal trades, active groups, events of active groups\n")
	}
	fmt.Printf("This cannot be undone.\n")

	if !*yes && !confirm() {
		fmt.Printf("Aborted.\n")
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	// Events first: the keep-open filter for events needs the group rows
	// still present.
	if *events {
		n, err := store.ClearTradeEvents(ctx, *botID, *keepOpen)
		if err != nil {
			fmt.Printf("❌ Failed to clear events: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Deleted %d events\n", n)
	}
	if *trades {
		n, err := store.ClearTrades(ctx, *botID, *keepOpen)
		if err != nil {
			fmt.Printf("❌ Failed to clear trades: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Deleted %d trades\n", n)
	}
	if *groups {
		n, err := store.ClearPositionGroups(ctx, *botID, *keepOpen)
		if err != nil {
			fmt.Printf("❌ Failed to clear groups: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Deleted %d groups\n", n)
	}
}

func confirm() bool {
	fmt.Printf("Type YES to continue: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return scanner.Text() == "YES"
}
