package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/altify/altify/internal/config"
	"github.com/altify/altify/internal/migrate"
	"github.com/altify/altify/internal/pkg/database"
	"github.com/altify/altify/internal/pkg/logger"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	if err := migrate.Run(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	log.Info().Msg("migrations applied")
}
