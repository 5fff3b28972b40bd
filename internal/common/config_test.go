package common

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	cfg, err := LoadConfig("api")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "api" || cfg.MetricsPort != 10090 {
		t.Fatalf("unexpected ports %+v", cfg)
	}
	if cfg.RateLoginMax != 5 || cfg.RateLoginWindow != 300*time.Second {
		t.Fatalf("unexpected login rule %d/%s", cfg.RateLoginMax, cfg.RateLoginWindow)
	}
	if cfg.RateBulkMax != 3 || cfg.RateBulkWindow != time.Hour {
		t.Fatalf("unexpected bulk rule %d/%s", cfg.RateBulkMax, cfg.RateBulkWindow)
	}
	if cfg.LockoutMaxFailed != 5 || cfg.LockoutBlockDuration != 30*time.Minute {
		t.Fatalf("unexpected lockout policy %d/%s", cfg.LockoutMaxFailed, cfg.LockoutBlockDuration)
	}
	if cfg.WhatsAppConcurrency != 1 || cfg.WhatsAppPacing != 2*time.Second || cfg.EmailConcurrency != 2 {
		t.Fatalf("unexpected channel settings %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WHATSAPP_INSTANCE", "sales")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("EMAIL_PACING", "250ms")
	cfg, err := LoadConfig("api")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.WhatsApp.Instance != "sales" || cfg.SMTP.Host != "smtp.example.com" {
		t.Fatalf("overrides not applied %+v", cfg)
	}
	if cfg.EmailPacing != 250*time.Millisecond {
		t.Fatalf("unexpected pacing %s", cfg.EmailPacing)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("EMAIL_CONCURRENCY", "0")
	if _, err := LoadConfig("api"); err == nil {
		t.Fatalf("expected error for zero concurrency")
	}
	t.Setenv("EMAIL_CONCURRENCY", "2")
	t.Setenv("RATE_API_MAX", "lots")
	if _, err := LoadConfig("api"); err == nil {
		t.Fatalf("expected parse error")
	}
}
