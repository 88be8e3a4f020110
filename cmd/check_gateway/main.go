package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/broker"
	"github.com/vitos/mt5_trade_manager/internal/infrastructure/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"gateway"`
	Bots []struct {
		Symbol    string `yaml:"symbol"`
		Timeframe string `yaml:"timeframe"`
	} `yaml:"bots"`
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

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	symbol := flag.String("symbol", "", "symbol to probe (default: first bot's symbol)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	probeSymbol := *symbol
	timeframe := "M5"
	if probeSymbol == "" && len(cfg.Bots) > 0 {
		probeSymbol = cfg.Bots[0].Symbol
		if cfg.Bots[0].Timeframe != "" {
			timeframe = cfg.Bots[0].Timeframe
		}
	}
	if probeSymbol == "" {
		fmt.Printf("No symbol to probe; pass -symbol or configure a bot\n")
		os.Exit(1)
	}

	fmt.Printf("Testing MT5 gateway...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Gateway.RESTEndpoint)

	log, err := logger.NewLogger("error")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	gw := broker.NewMT5Gateway(cfg.Gateway.RESTEndpoint, cfg.Gateway.WSEndpoint, os.Getenv("MT5_GATEWAY_API_KEY"), log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Initialize(ctx); err != nil {
		fmt.Printf("❌ Initialize failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Initialized\n")
	defer gw.Shutdown()

	if err := gw.Ping(ctx); err != nil {
		fmt.Printf("❌ Ping failed: %v\n", err)
	} else {
		fmt.Printf("✅ Ping OK\n")
	}

	acct, err := gw.AccountInfo(ctx)
	if err != nil {
		fmt.Printf("❌ Account info failed: %v\n", err)
	} else {
		fmt.Printf("✅ Account %d: balance %.2f equity %.2f %s\n",
			acct.Login, acct.Balance, acct.Equity, acct.Currency)
	}

	info, err := gw.SymbolInfo(ctx, probeSymbol)
	if err != nil {
		fmt.Printf("❌ Symbol info (%s) failed: %v\n", probeSymbol, err)
	} else {
		fmt.Printf("✅ Symbol %s: point %f tick value %f min lot %f\n",
			info.Symbol, info.Point, info.TickValue, info.VolumeMin)
	}

	tick, err := gw.SymbolInfoTick(ctx, probeSymbol)
	if err != nil {
		fmt.Printf("❌ Tick (%s) failed: %v\n", probeSymbol, err)
	} else {
		fmt.Printf("✅ Tick %s: bid %f ask %f\n", tick.Symbol, tick.Bid, tick.Ask)
	}

	rates, err := gw.CopyRatesFromPos(ctx, probeSymbol, timeframe, 0, 5)
	if err != nil {
		fmt.Printf("❌ Candles (%s %s) failed: %v\n", probeSymbol, timeframe, err)
	} else if len(rates) == 0 {
		fmt.Printf("⚠️ Candles: empty response\n")
	} else {
		last := rates[len(rates)-1]
		fmt.Printf("✅ Candles: %d bars, last close %f\n", len(rates), last.Close)
	}

	positions, err := gw.PositionsGet(ctx, probeSymbol)
	if err != nil {
		fmt.Printf("❌ Positions failed: %v\n", err)
	} else {
		fmt.Printf("✅ Open positions on %s: %d\n", probeSymbol, len(positions))
	}
}
