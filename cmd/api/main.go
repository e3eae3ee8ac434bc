package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/broker"
	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/ingress"
	"github.com/altify/altify/internal/metrics"
	"github.com/altify/altify/internal/middleware"
	"github.com/altify/altify/internal/migrate"
	"github.com/altify/altify/internal/pkg/database"
	"github.com/altify/altify/internal/pkg/logger"
	pkgresponse "github.com/altify/altify/internal/pkg/response"
	"github.com/altify/altify/internal/relstore"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}

	log.Info().Str("env", cfg.Env).Str("port", cfg.Port).Msg("starting altify ingress")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	if err := migrate.Run(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	rs := relstore.NewPostgres(db)
	defer rs.Close()

	bs := mustBlobStore(cfg)

	bk, err := broker.NewAMQPBroker(broker.AMQPConfig{URL: cfg.BrokerURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer bk.Close()

	svc := ingress.New(bs, rs, bk)
	handler := ingress.NewHandler(svc)

	reconciler := ingress.NewReconciler(svc, ingress.ReconcilerConfig{
		PollInterval: 15 * time.Second,
		ReconcileAge: time.Duration(cfg.ReconcileSeconds) * time.Second,
		GCAge:        time.Duration(cfg.GCSeconds) * time.Second,
		BatchSize:    100,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := reconciler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("reconciler stopped")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { pkgresponse.OK(w, map[string]string{"status": "ok"}) })
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/tasks", handler.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
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
