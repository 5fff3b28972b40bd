package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/campaign-service/internal/api"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/auth"
	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/channel"
	"github.com/example/campaign-service/internal/channel/email"
	"github.com/example/campaign-service/internal/channel/whatsapp"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/dispatch"
	"github.com/example/campaign-service/internal/events"
	"github.com/example/campaign-service/internal/ratelimit"
	"github.com/example/campaign-service/internal/scheduler"
	"github.com/example/campaign-service/internal/storage/memory"
	"github.com/example/campaign-service/internal/storage/postgres"
)

type stores interface {
	campaign.Store
	campaign.MessageStore
	audit.Store
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("campaign-api")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLoggerFromConfig(cfg)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	store := openStore(ctx, cfg, logger)
	trail := audit.NewTrail(store, logger)

	limiter := ratelimit.NewLimiter(map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassLogin:    {MaxRequests: cfg.RateLoginMax, Window: cfg.RateLoginWindow},
		ratelimit.ClassAPI:      {MaxRequests: cfg.RateAPIMax, Window: cfg.RateAPIWindow},
		ratelimit.ClassBulkSend: {MaxRequests: cfg.RateBulkMax, Window: cfg.RateBulkWindow},
	})
	lockout := ratelimit.NewLockout(ratelimit.LockoutPolicy{
		MaxFailedAttempts: cfg.LockoutMaxFailed,
		BlockDuration:     cfg.LockoutBlockDuration,
	})

	engine := &dispatch.Engine{
		Senders: senders(cfg, logger),
		Channels: map[campaign.Channel]dispatch.ChannelConfig{
			campaign.ChannelEmail: {
				Concurrency: cfg.EmailConcurrency,
				Pacing:      campaign.Pacing{Interval: cfg.EmailPacing, Global: cfg.GlobalPacing},
			},
			campaign.ChannelWhatsApp: {
				Concurrency: cfg.WhatsAppConcurrency,
				Pacing:      campaign.Pacing{Interval: cfg.WhatsAppPacing, Global: cfg.GlobalPacing},
			},
		},
		Counters:         store,
		Messages:         store,
		Audit:            trail,
		Logger:           logger,
		RedactRecipients: cfg.RedactRecipients,
	}
	if cfg.SendEventsTopic != "" && len(cfg.KafkaBrokers) > 0 {
		producer := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.SendEventsTopic,
			Balancer: &kafka.Hash{},
		}
		defer producer.Close()
		engine.Events = &events.Publisher{Writer: producer, Logger: logger}
	}

	resolver := campaign.RetryResolver{Messages: store, Next: campaign.InlineResolver{}}
	campaigns := campaign.NewService(store, store, trail, engine, resolver, logger)

	users, err := auth.ParseUsers(cfg.AuthUsers)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid AUTH_USERS")
	}
	checker, err := auth.NewStaticUsers(users)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid AUTH_USERS")
	}
	if len(users) == 0 {
		logger.Warn().Msg("no users configured, every login will fail")
	}
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid JWT_SECRET")
	}
	authSvc := auth.NewService(checker, limiter, lockout, trail, tokens, logger)

	sched, err := scheduler.New(scheduler.Config{DueSpec: cfg.SchedulerSpec, SweepInterval: cfg.SweepInterval},
		campaigns, map[string]scheduler.Sweeper{"limiter": limiter, "lockout": lockout}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid SCHEDULER_SPEC")
	}
	sched.Start(ctx)

	apiSrv := api.NewServer(campaigns, authSvc, limiter, trail, logger)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("campaign api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := apiSrv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("campaign runs still in progress at shutdown")
	}
}

// openStore uses postgres when DATABASE_URL is set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *common.Config, logger zerolog.Logger) stores {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return memory.New()
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, time.Minute, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	store, err := postgres.New(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres store")
	}
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate postgres")
	}
	return store
}

// senders prefers the mail API over SMTP when both are configured.
func senders(cfg *common.Config, logger zerolog.Logger) map[campaign.Channel]channel.Sender {
	out := map[campaign.Channel]channel.Sender{}
	client := &http.Client{Timeout: 30 * time.Second}
	switch {
	case cfg.EmailAPI.Endpoint != "":
		out[campaign.ChannelEmail] = &email.APISender{
			Endpoint:  cfg.EmailAPI.Endpoint,
			APIKey:    cfg.EmailAPI.Key,
			FromEmail: cfg.SMTP.From,
			FromName:  cfg.SMTP.FromName,
			Client:    client,
		}
	case cfg.SMTP.Host != "":
		out[campaign.ChannelEmail] = &email.SMTPSender{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			FromEmail: cfg.SMTP.From,
			FromName:  cfg.SMTP.FromName,
		}
	default:
		logger.Warn().Msg("no email transport configured")
	}
	if cfg.WhatsApp.Key != "" {
		wa := &whatsapp.Sender{
			Endpoint: cfg.WhatsApp.URL,
			APIKey:   cfg.WhatsApp.Key,
			Instance: cfg.WhatsApp.Instance,
			Client:   client,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := wa.Connected(ctx); err != nil || !ok {
			logger.Warn().Err(err).Str("instance", cfg.WhatsApp.Instance).Msg("whatsapp instance not connected")
		}
		out[campaign.ChannelWhatsApp] = wa
	} else {
		logger.Warn().Msg("no whatsapp gateway configured")
	}
	return out
}
