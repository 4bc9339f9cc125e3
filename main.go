package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal-engine/internal/api"
	"signal-engine/internal/events"
	"signal-engine/internal/orchestrator"
	"signal-engine/internal/regime"
	"signal-engine/internal/risk"
	signalpkg "signal-engine/internal/signal"
	"signal-engine/internal/vault"
	"signal-engine/pkg/config"
	"signal-engine/pkg/crypto"
	"signal-engine/pkg/db"
	"signal-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "console")
		boot.Fatal().Err(err).Msg("load configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}

	keyring, err := crypto.NewKeyring()
	if err != nil {
		log.Fatal().Err(err).Msg("load encryption keyring")
	}

	bus := events.NewBus()
	credVault := vault.New(database, keyring, bus, log)

	sigValidator, err := signalpkg.NewValidator(cfg.SymbolPattern, cfg.FreshnessWindow, cfg.DedupWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("build signal validator")
	}

	sentiment := regime.NewFearGreedClient(cfg.SentimentURL, cfg.ProviderTimeout)
	var breadth []regime.BreadthProvider
	for _, bp := range cfg.Breadth {
		p, err := regime.NewBreadthProvider(bp)
		if err != nil {
			log.Fatal().Err(err).Str("provider", bp.Name).Msg("build breadth provider")
		}
		breadth = append(breadth, p)
	}
	gate := regime.NewGate(sentiment, breadth, cfg.RegimeTTL, bus, database, log)

	calc := risk.NewCalculator(cfg.Risk, cfg.MinBalance)
	orch := orchestrator.New(database, credVault, calc, bus, log, orchestrator.Options{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		CooldownWindow: cfg.CooldownWindow,
		RecvWindowMs:   cfg.RecvWindowMs,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate.Start(ctx)
	orch.Start(ctx)

	server := api.NewServer(cfg, database, sigValidator, gate, orch, credVault, bus, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	orch.Wait()
	log.Info().Msg("stopped")
}
