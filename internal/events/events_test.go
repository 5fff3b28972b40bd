package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/campaign"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	written  []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func TestPublisherRetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 1}
	p := &Publisher{Writer: w, Logger: zerolog.Nop(), MaxElapsed: 3 * time.Second}

	err := p.PublishSend(context.Background(), SendEvent{
		CampaignID: "c1",
		MessageID:  "m1",
		Channel:    campaign.ChannelEmail,
		Status:     campaign.MessageSent,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected one message written, got %d", len(w.written))
	}
	if string(w.written[0].Key) != "c1:m1" {
		t.Fatalf("unexpected key %q", w.written[0].Key)
	}
	var got SendEvent
	if err := json.Unmarshal(w.written[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EmittedAt.IsZero() || got.Status != campaign.MessageSent {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestPublisherGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 1 << 20}
	p := &Publisher{Writer: w, Logger: zerolog.Nop(), MaxElapsed: 10 * time.Millisecond}
	if err := p.PublishStatus(context.Background(), StatusEvent{ProviderMessageID: "x"}); err == nil {
		t.Fatalf("expected error after retries are exhausted")
	}
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(context.Context, ...kafka.Message) error {
	r.mu.Lock()
	r.committed++
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeApplier struct {
	applied []campaign.StatusUpdate
	errs    map[string]error
}

func (a *fakeApplier) ApplyDeliveryStatus(_ context.Context, u campaign.StatusUpdate) (campaign.Message, error) {
	if err, ok := a.errs[u.ProviderMessageID]; ok {
		return campaign.Message{}, err
	}
	a.applied = append(a.applied, u)
	return campaign.Message{}, nil
}

func encode(t *testing.T, e StatusEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Value: b}
}

func TestStatusConsumerAppliesAndDropsRejected(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		encode(t, StatusEvent{ProviderMessageID: "p1", Channel: campaign.ChannelEmail, Status: campaign.MessageDelivered}),
		{Value: []byte("{not json")},
		encode(t, StatusEvent{ProviderMessageID: "p2", Channel: campaign.ChannelEmail, Status: campaign.MessageRead}),
		encode(t, StatusEvent{ProviderMessageID: "p3", Channel: campaign.ChannelWhatsApp, Status: campaign.MessageRead}),
	}}
	applier := &fakeApplier{errs: map[string]error{
		"p2": apperr.InvalidState("message", "m2", "running", "advance"),
	}}
	c := &StatusConsumer{
		ReaderFactory: func() Reader { return reader },
		Applier:       applier,
		Logger:        zerolog.Nop(),
	}

	err := c.Run(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected loop to stop on reader EOF, got %v", err)
	}
	if len(applier.applied) != 2 {
		t.Fatalf("expected 2 applied updates, got %d", len(applier.applied))
	}
	if reader.committed != 4 {
		t.Fatalf("expected every message committed, got %d", reader.committed)
	}
}

func TestStatusConsumerStopsOnPersistenceError(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		encode(t, StatusEvent{ProviderMessageID: "p1", Channel: campaign.ChannelEmail, Status: campaign.MessageDelivered}),
	}}
	applier := &fakeApplier{errs: map[string]error{
		"p1": apperr.Persistence("update delivery", errors.New("db down")),
	}}
	c := &StatusConsumer{ReaderFactory: func() Reader { return reader }, Applier: applier, Logger: zerolog.Nop()}

	if err := c.Run(context.Background()); !apperr.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if reader.committed != 0 {
		t.Fatalf("expected no commit, got %d", reader.committed)
	}
}
