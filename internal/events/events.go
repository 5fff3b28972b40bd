package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/common"
)

// SendEvent is emitted once per send attempt.
type SendEvent struct {
	CampaignID        string                 `json:"campaign_id"`
	MessageID         string                 `json:"message_id"`
	Channel           campaign.Channel       `json:"channel"`
	Status            campaign.MessageStatus `json:"status"`
	ProviderMessageID string                 `json:"provider_message_id,omitempty"`
	Recipient         string                 `json:"recipient,omitempty"`
	Error             string                 `json:"error,omitempty"`
	EmittedAt         time.Time              `json:"emitted_at"`
}

// StatusEvent is a provider delivery report normalized by the webhook service.
type StatusEvent struct {
	MessageID         string                 `json:"message_id,omitempty"`
	ProviderMessageID string                 `json:"provider_message_id"`
	Provider          string                 `json:"provider"`
	Channel           campaign.Channel       `json:"channel"`
	Status            campaign.MessageStatus `json:"status"`
	OccurredAt        time.Time              `json:"occurred_at"`
	Error             string                 `json:"error,omitempty"`
	Meta              map[string]any         `json:"meta,omitempty"`
}

func (e StatusEvent) Update() campaign.StatusUpdate {
	return campaign.StatusUpdate{
		MessageID:         e.MessageID,
		ProviderMessageID: e.ProviderMessageID,
		Channel:           e.Channel,
		Status:            e.Status,
		OccurredAt:        e.OccurredAt,
		Error:             e.Error,
	}
}

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var publishCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "events_published_total",
	Help: "Events written to kafka by kind and result",
}, []string{"kind", "result"})

type Publisher struct {
	Writer Writer
	Logger zerolog.Logger
	// MaxElapsed bounds the retry window of a single publish.
	MaxElapsed time.Duration
}

func (p *Publisher) PublishSend(ctx context.Context, e SendEvent) error {
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}
	return p.publish(ctx, "send", e.CampaignID+":"+e.MessageID, e)
}

func (p *Publisher) PublishStatus(ctx context.Context, e StatusEvent) error {
	key := e.MessageID
	if key == "" {
		key = string(e.Channel) + ":" + e.ProviderMessageID
	}
	return p.publish(ctx, "status", key, e)
}

func (p *Publisher) publish(ctx context.Context, kind, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = p.MaxElapsed
	if op.MaxElapsedTime <= 0 {
		op.MaxElapsedTime = 5 * time.Second
	}
	err = backoff.Retry(func() error {
		return p.Writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload})
	}, backoff.WithContext(op, ctx))
	if err != nil {
		publishCounter.WithLabelValues(kind, "error").Inc()
		logger := common.WithContext(ctx, p.Logger)
		logger.Error().Err(err).Str("kind", kind).Str("key", key).Msg("failed to publish event")
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	publishCounter.WithLabelValues(kind, "ok").Inc()
	return nil
}
