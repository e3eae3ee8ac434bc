package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/inference"
	"github.com/altify/altify/internal/metrics"
	"github.com/altify/altify/internal/pkg/database"
	"github.com/altify/altify/internal/pkg/logger"
	"github.com/altify/altify/internal/relstore"
	"github.com/altify/altify/internal/worker"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}

	log.Info().Str("env", cfg.Env).Msg("starting altify worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	rs := relstore.NewPostgres(db)
	defer rs.Close()

	bs := mustBlobStore(cfg)

	bk, err := broker.NewAMQPBroker(broker.AMQPConfig{URL: cfg.BrokerURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer bk.Close()

	inf := inference.NewStub()

	w := worker.New(bs, rs, bk, inf, worker.Config{InferTimeout: cfg.InferTimeout()})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down, finishing in-flight message before exit")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("worker loop exited")
		}
	}
}

func mustBlobStore(cfg *config.Config) blobstore.Store {
	switch cfg.BlobStoreKind {
	case "s3":
		s3Store, err := blobstore.NewS3Store(blobstore.S3Config{
			Endpoint:  cfg.BlobStoreEndpoint,
			Region:    cfg.BlobStoreRegion,
			Bucket:    cfg.BlobStoreBucket,
			AccessKey: cfg.BlobStoreAccessKey,
			SecretKey: cfg.BlobStoreSecretKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize s3 blobstore")
		}
		return s3Store
	default:
		localStore, err := blobstore.NewLocalStore(cfg.BlobStoreLocalDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize local blobstore")
		}
		return localStore
	}
}
