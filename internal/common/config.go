package common

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort        int      `env:"HTTP_PORT" envDefault:"8080"`
	MetricsPort     int      `env:"METRICS_PORT"`
	DatabaseURL     string   `env:"DATABASE_URL"`
	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	SendEventsTopic string   `env:"SEND_EVENTS_TOPIC" envDefault:"campaign.sends"`
	StatusTopic     string   `env:"STATUS_TOPIC" envDefault:"campaign.delivery-status"`
	OTLPEndpoint    string   `env:"OTLP_ENDPOINT"`
	LogLevel        string   `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName     string

	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"8h"`
	// AuthUsers is a JSON array of {id, username, role, password_hash}.
	AuthUsers string `env:"AUTH_USERS"`

	WebhookToken string `env:"WEBHOOK_TOKEN"`

	RateLoginMax    int           `env:"RATE_LOGIN_MAX" envDefault:"5"`
	RateLoginWindow time.Duration `env:"RATE_LOGIN_WINDOW" envDefault:"300s"`
	RateAPIMax      int           `env:"RATE_API_MAX" envDefault:"100"`
	RateAPIWindow   time.Duration `env:"RATE_API_WINDOW" envDefault:"60s"`
	RateBulkMax     int           `env:"RATE_BULK_MAX" envDefault:"3"`
	RateBulkWindow  time.Duration `env:"RATE_BULK_WINDOW" envDefault:"3600s"`

	LockoutMaxFailed     int           `env:"LOCKOUT_MAX_FAILED" envDefault:"5"`
	LockoutBlockDuration time.Duration `env:"LOCKOUT_BLOCK_DURATION" envDefault:"30m"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SchedulerSpec string        `env:"SCHEDULER_SPEC" envDefault:"@every 1m"`

	EmailConcurrency    int           `env:"EMAIL_CONCURRENCY" envDefault:"2"`
	EmailPacing         time.Duration `env:"EMAIL_PACING" envDefault:"0s"`
	WhatsAppConcurrency int           `env:"WHATSAPP_CONCURRENCY" envDefault:"1"`
	WhatsAppPacing      time.Duration `env:"WHATSAPP_PACING" envDefault:"2s"`
	GlobalPacing        bool          `env:"GLOBAL_PACING"`
	RedactRecipients    bool          `env:"REDACT_RECIPIENTS"`

	SMTP     SMTPConfig     `envPrefix:"SMTP_"`
	EmailAPI EmailAPIConfig `envPrefix:"EMAIL_API_"`
	WhatsApp WhatsAppConfig `envPrefix:"WHATSAPP_"`
}

type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM" envDefault:"noreply@example.com"`
	FromName string `env:"FROM_NAME"`
}

type EmailAPIConfig struct {
	Endpoint string `env:"ENDPOINT"`
	Key      string `env:"KEY"`
}

type WhatsAppConfig struct {
	URL      string `env:"API_URL" envDefault:"http://localhost:8080"`
	Key      string `env:"API_KEY"`
	Instance string `env:"INSTANCE" envDefault:"campaigns"`
}

// LoadConfig reads .env when present, then the process environment.
func LoadConfig(service string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{ServiceName: service}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = cfg.HTTPPort + 1000
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid value for HTTP_PORT: %d", c.HTTPPort)
	}
	for key, v := range map[string]int{
		"RATE_LOGIN_MAX":       c.RateLoginMax,
		"RATE_API_MAX":         c.RateAPIMax,
		"RATE_BULK_MAX":        c.RateBulkMax,
		"LOCKOUT_MAX_FAILED":   c.LockoutMaxFailed,
		"EMAIL_CONCURRENCY":    c.EmailConcurrency,
		"WHATSAPP_CONCURRENCY": c.WhatsAppConcurrency,
	} {
		if v <= 0 {
			return fmt.Errorf("invalid value for %s: must be positive", key)
		}
	}
	if c.EmailPacing < 0 || c.WhatsAppPacing < 0 {
		return errors.New("pacing must not be negative")
	}
	return nil
}
