package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/autoscaler"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/metrics"
	"github.com/altify/altify/internal/pkg/database"
	"github.com/altify/altify/internal/pkg/logger"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}

	log.Info().Str("env", cfg.Env).Msg("starting altify autoscaler")

	bk, err := broker.NewAMQPBroker(broker.AMQPConfig{URL: cfg.BrokerURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer bk.Close()

	orch := mustOrchestrator(cfg)

	a := autoscaler.New(bk, orch, autoscaler.Config{
		Service:         "altify-worker",
		PollInterval:    time.Duration(cfg.PollSeconds) * time.Second,
		Cooldown:        time.Duration(cfg.CooldownSec) * time.Second,
		MinWorkers:      cfg.MinWorkers,
		MaxWorkers:      cfg.MaxWorkers,
		TargetPerWorker: cfg.ScaleTarget,
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(":9092", mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("autoscaler loop exited")
		}
	}
}

func mustOrchestrator(cfg *config.Config) autoscaler.Orchestrator {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not configured, using log-only orchestrator (no real scaling will occur)")
		return autoscaler.NewLogOrchestrator(cfg.MinWorkers)
	}

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	return autoscaler.NewRedisOrchestrator(rdb, "altify:autoscaler", cfg.MinWorkers)
}
