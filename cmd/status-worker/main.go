package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/events"
	"github.com/example/campaign-service/internal/storage/postgres"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("status-worker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	logger := common.NewLoggerFromConfig(cfg)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, time.Minute, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()
	store, err := postgres.New(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres store")
	}

	// Status reports never dispatch, so the service runs without a dispatcher.
	campaigns := campaign.NewService(store, store, audit.NewTrail(store, logger), nil, campaign.InlineResolver{}, logger)

	readerFactory := func() events.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.ServiceName,
			Topic:   cfg.StatusTopic,
		})
	}

	consumer := events.StatusConsumer{
		ReaderFactory: readerFactory,
		Applier:       campaigns,
		Logger:        logger,
	}

	logger.Info().Str("topic", cfg.StatusTopic).Msg("status worker started")
	if err := consumer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("status consumer stopped")
		return
	}
	logger.Info().Msg("status worker stopped")
}
