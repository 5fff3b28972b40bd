package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/campaign"
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Applier interface {
	ApplyDeliveryStatus(ctx context.Context, u campaign.StatusUpdate) (campaign.Message, error)
}

var consumedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "status_events_consumed_total",
	Help: "Delivery status events consumed by result",
}, []string{"result"})

// StatusConsumer applies delivery reports from the status topic to message records.
type StatusConsumer struct {
	ReaderFactory func() Reader
	Applier       Applier
	Logger        zerolog.Logger
}

// Run consumes until ctx is done. Reports rejected by the domain are committed and dropped;
// persistence failures stop the loop without committing so the report is redelivered.
func (c *StatusConsumer) Run(ctx context.Context) error {
	if c.ReaderFactory == nil || c.Applier == nil {
		return errors.New("status consumer requires a reader factory and an applier")
	}
	reader := c.ReaderFactory()
	defer reader.Close()

	tracer := otel.Tracer("status-worker")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		var event StatusEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			c.Logger.Error().Err(err).Msg("failed to decode status event")
			consumedCounter.WithLabelValues("malformed").Inc()
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "apply_status")
		span.SetAttributes(
			attribute.String("provider.message_id", event.ProviderMessageID),
			attribute.String("status", string(event.Status)),
		)

		_, err = c.Applier.ApplyDeliveryStatus(spanCtx, event.Update())
		switch {
		case err == nil:
			consumedCounter.WithLabelValues("applied").Inc()
		case apperr.IsPersistence(err):
			span.RecordError(err)
			span.End()
			consumedCounter.WithLabelValues("error").Inc()
			return fmt.Errorf("apply status: %w", err)
		default:
			span.RecordError(err)
			consumedCounter.WithLabelValues("rejected").Inc()
			c.Logger.Warn().Err(err).
				Str("provider_message_id", event.ProviderMessageID).
				Str("status", string(event.Status)).
				Msg("status event rejected")
		}

		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}
