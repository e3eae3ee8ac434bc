package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/dlq"
	"github.com/altify/altify/internal/metrics"
	"github.com/altify/altify/internal/pkg/database"
	"github.com/altify/altify/internal/pkg/logger"
	"github.com/altify/altify/internal/relstore"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}

	log.Info().Str("env", cfg.Env).Msg("starting altify dlq consumer")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	rs := relstore.NewPostgres(db)
	defer rs.Close()

	bk, err := broker.NewAMQPBroker(broker.AMQPConfig{URL: cfg.BrokerURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer bk.Close()

	c := dlq.New(bk, rs, dlq.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: time.Duration(cfg.BaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.MaxBackoffSeconds) * time.Second,
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(":9091", mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("dlq consumer loop exited")
		}
	}
}
