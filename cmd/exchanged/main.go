package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclearing/margincore/params"
	"github.com/openclearing/margincore/pkg/api"
	"github.com/openclearing/margincore/pkg/core"
	"github.com/openclearing/margincore/pkg/core/market"
	"github.com/openclearing/margincore/pkg/core/store"
	"github.com/openclearing/margincore/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/exchange.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	var st *store.Store
	if cfg.Engine.DBPath != "" {
		st, err = store.Open(cfg.Engine.DBPath)
		if err != nil {
			logger.Fatal("store open failed", zap.String("path", cfg.Engine.DBPath), zap.Error(err))
		}
		defer st.Close()
	} else {
		logger.Warn("no DB_PATH set, running in memory")
	}

	var settler common.Address
	if cfg.Engine.Settler != "" {
		if !common.IsHexAddress(cfg.Engine.Settler) {
			logger.Fatal("invalid SETTLER_ADDRESS", zap.String("value", cfg.Engine.Settler))
		}
		settler = common.HexToAddress(cfg.Engine.Settler)
	}

	exchange := core.NewExchange(core.Options{
		Store:           st,
		ChallengeWindow: cfg.Engine.ChallengeWindow,
		Settler:         settler,
		Logger:          logger,
	})
	if err := exchange.Load(); err != nil {
		logger.Fatal("state restore failed", zap.Error(err))
	}

	// Fresh deployments get one demo market so the API has something to serve.
	if len(exchange.ListMarkets()) == 0 && os.Getenv("SEED_MARKET") != "false" {
		symbol := os.Getenv("SEED_MARKET_SYMBOL")
		if symbol == "" {
			symbol = "WTI-USD"
		}
		if _, err := exchange.CreateMarket(symbol, "WTI", "USD", market.DefaultParams(time.Now())); err != nil {
			logger.Fatal("seed market failed", zap.Error(err))
		}
		logger.Info("seeded market", zap.String("symbol", symbol))
	}

	// Background loop: GTD expiry, lifecycle transitions, liquidation sweeps.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Engine.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				exchange.Tick()
			}
		}
	}()

	server := api.NewServer(exchange, api.Config{
		AllowedOrigins: cfg.API.AllowedOrigins,
		RatePerSecond:  cfg.API.RatePerSecond,
		RateBurst:      cfg.API.RateBurst,
	}, logger)

	go func() {
		if err := server.Start(cfg.API.ListenAddr); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	logger.Info("exchange started",
		zap.String("api", cfg.API.ListenAddr),
		zap.String("db", cfg.Engine.DBPath),
		zap.Duration("challenge_window", cfg.Engine.ChallengeWindow))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(done)
	logger.Info("shutting down")
}
