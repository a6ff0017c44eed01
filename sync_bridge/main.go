package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := loadBridgeConfig()
	if err := cfg.validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.Room != "" && !cfg.syncEnabled() {
		log.Info("sync disabled: room is public or no peers are trusted (set UFOO_BRIDGE_TRUST_REMOTE or UFOO_BRIDGE_ALLOW_FROM)")
	}

	bridge, err := newBridge(cfg, log)
	if err != nil {
		log.Fatal("starting bridge", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge.Run(ctx)
	log.Info("bridge stopped")
}
