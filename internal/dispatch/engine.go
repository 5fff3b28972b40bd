package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/channel"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/events"
	"github.com/example/campaign-service/internal/template"
)

var (
	sendCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sends_total",
		Help: "Send attempts by channel and outcome",
	}, []string{"channel", "outcome"})
	sendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_send_duration_seconds",
		Help:    "Latency of provider send calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	inFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_workers_active",
		Help: "Workers currently sending",
	}, []string{"channel"})
)

// ChannelConfig bounds one channel: at most Concurrency sends in flight and Pacing between sends.
type ChannelConfig struct {
	Concurrency int
	Pacing      campaign.Pacing
}

// CounterStore is the slice of campaign.Store the engine writes.
type CounterStore interface {
	IncrementCounters(ctx context.Context, id string, ch campaign.Channel, delta campaign.Counters) error
}

// MessageWriter is the slice of campaign.MessageStore the engine writes.
type MessageWriter interface {
	CreateMessage(ctx context.Context, m campaign.Message) error
	FindMessageByRecipient(ctx context.Context, campaignID, recipientKey string) (campaign.Message, error)
	UpdateDelivery(ctx context.Context, messageID string, ch campaign.Channel, d campaign.Delivery) error
}

type EventPublisher interface {
	PublishSend(ctx context.Context, e events.SendEvent) error
}

// Engine fans a recipient list out to a bounded pool of workers per channel.
type Engine struct {
	Senders  map[campaign.Channel]channel.Sender
	Channels map[campaign.Channel]ChannelConfig
	Counters CounterStore
	Messages MessageWriter
	Audit    campaign.Auditor
	// Events is optional.
	Events EventPublisher
	Logger zerolog.Logger
	// RedactRecipients masks addresses in audit entries, events and logs.
	RedactRecipients bool

	Clock func() time.Time
	// Sleep waits between sends of a worker; it returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error

	limiterMu sync.Mutex
	limiters  map[campaign.Channel]*rate.Limiter
}

var _ campaign.Dispatcher = (*Engine)(nil)

type job struct {
	index     int
	recipient campaign.Recipient
}

type run struct {
	req     campaign.DispatchRequest
	sender  channel.Sender
	pacing  campaign.Pacing
	limiter *rate.Limiter
	logger  zerolog.Logger

	sent, failed atomic.Int64

	errOnce sync.Once
	err     error
	abort   context.CancelFunc
}

func (r *run) fail(err error) {
	r.errOnce.Do(func() {
		r.err = err
		r.abort()
	})
}

// Dispatch sends the request's template to every recipient on one channel. Each recipient gets
// a message record, one send attempt, one counter increment and one SEND audit entry.
// Provider failures are per-recipient; a persistence failure aborts the dispatch and is returned.
func (e *Engine) Dispatch(ctx context.Context, req campaign.DispatchRequest) (campaign.Summary, error) {
	summary := campaign.Summary{Channel: req.Channel, Total: len(req.Recipients)}
	if !req.Channel.Valid() {
		return summary, apperr.Validation("channel", fmt.Sprintf("%q is not a channel", req.Channel))
	}
	if len(req.Recipients) == 0 {
		return summary, apperr.Validation("recipients", "must not be empty")
	}
	sender, ok := e.Senders[req.Channel]
	if !ok || sender == nil {
		return summary, apperr.Validation("channel", fmt.Sprintf("no sender configured for %s", req.Channel))
	}
	if errs := template.ValidateTemplate(req.Template); len(errs) > 0 {
		return summary, apperr.Validation("template", errs[0].Error())
	}
	keyed, err := keyRecipients(req.Recipients)
	if err != nil {
		return summary, err
	}
	req.Recipients = keyed

	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("campaign.id", req.CampaignID),
		attribute.String("channel", string(req.Channel)),
		attribute.Int("recipients", len(req.Recipients)),
	)

	cfg := e.channelConfig(req.Channel)
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	r := &run{
		req:    req,
		sender: sender,
		pacing: cfg.Pacing,
		abort:  abort,
		logger: common.WithContext(ctx, e.Logger).With().
			Str("campaign_id", req.CampaignID).
			Str("channel", string(req.Channel)).
			Logger(),
	}
	if req.Pacing != nil {
		r.pacing = *req.Pacing
		if r.pacing.Global && r.pacing.Interval > 0 {
			r.limiter = rate.NewLimiter(rate.Every(r.pacing.Interval), 1)
		}
	} else if r.pacing.Global && r.pacing.Interval > 0 {
		r.limiter = e.sharedLimiter(req.Channel, r.pacing.Interval)
	}

	workers := cfg.Concurrency
	if workers > len(req.Recipients) {
		workers = len(req.Recipients)
	}
	r.logger.Info().Int("recipients", len(req.Recipients)).Int("workers", workers).
		Dur("pacing", r.pacing.Interval).Bool("global_pacing", r.limiter != nil).Msg("dispatch started")

	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(runCtx, r, jobs)
		}()
	}

feed:
	for i, rcpt := range req.Recipients {
		select {
		case jobs <- job{index: i, recipient: rcpt}:
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	summary.Sent = int(r.sent.Load())
	summary.Failed = int(r.failed.Load())
	summary.Skipped = summary.Total - summary.Attempted()
	span.SetAttributes(
		attribute.Int("sent", summary.Sent),
		attribute.Int("failed", summary.Failed),
		attribute.Int("skipped", summary.Skipped),
	)

	switch {
	case r.err != nil:
		span.RecordError(r.err)
		r.logger.Error().Err(r.err).Int("sent", summary.Sent).Int("failed", summary.Failed).Msg("dispatch aborted")
		return summary, r.err
	case ctx.Err() != nil:
		r.logger.Warn().Int("skipped", summary.Skipped).Msg("dispatch cancelled")
		return summary, ctx.Err()
	}
	r.logger.Info().Int("sent", summary.Sent).Int("failed", summary.Failed).Msg("dispatch finished")
	return summary, nil
}

// keyRecipients gives every recipient the identity its message record is stored under.
// Keyless recipients are keyed by position, the same way InlineResolver keys them.
func keyRecipients(in []campaign.Recipient) ([]campaign.Recipient, error) {
	out := make([]campaign.Recipient, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, r := range in {
		r.Key = strings.TrimSpace(r.Key)
		if r.Key == "" {
			r.Key = fmt.Sprintf("idx-%d", i)
		}
		if _, dup := seen[r.Key]; dup {
			return nil, apperr.Validation("recipients", fmt.Sprintf("duplicate recipient key %q", r.Key))
		}
		seen[r.Key] = struct{}{}
		out[i] = r
	}
	return out, nil
}

func (e *Engine) work(ctx context.Context, r *run, jobs <-chan job) {
	first := true
	for j := range jobs {
		// Cancellation is observed between recipients only.
		if ctx.Err() != nil {
			continue
		}
		if !first && r.limiter == nil && r.pacing.Interval > 0 {
			if err := e.sleep(ctx, r.pacing.Interval); err != nil {
				continue
			}
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				continue
			}
		}
		first = false
		if err := e.deliver(ctx, r, j); err != nil {
			r.fail(err)
		}
	}
}

// deliver performs one recipient's attempt. Once the send has started, writes run detached from
// cancellation so an in-flight send is always recorded.
func (e *Engine) deliver(ctx context.Context, r *run, j job) error {
	ch := r.req.Channel
	rcpt := j.recipient
	writeCtx := context.WithoutCancel(ctx)

	msg, err := e.prepareMessage(writeCtx, r.req.CampaignID, ch, rcpt)
	if err != nil {
		return err
	}
	current := msg.Deliveries[ch]
	if current.Status != campaign.MessagePending {
		r.logger.Warn().Str("message_id", msg.ID).Str("status", string(current.Status)).Msg("recipient already attempted, skipping")
		return nil
	}

	inFlight.WithLabelValues(string(ch)).Inc()
	providerID, sendErr := e.send(writeCtx, r, rcpt)
	inFlight.WithLabelValues(string(ch)).Dec()

	now := e.now()
	next := current
	delta := campaign.Counters{}
	if sendErr == nil {
		next, _ = current.Advance(campaign.MessageSent, now)
		next.ProviderMessageID = providerID
		delta.Sent = 1
		r.sent.Add(1)
		sendCounter.WithLabelValues(string(ch), "sent").Inc()
	} else {
		next, _ = current.Advance(campaign.MessageFailed, now)
		next.LastError = sendErr.Error()
		delta.Failed = 1
		r.failed.Add(1)
		sendCounter.WithLabelValues(string(ch), "failed").Inc()
		r.logger.Warn().Err(sendErr).Str("message_id", msg.ID).Str("recipient", e.display(rcpt.Address(ch))).Msg("send failed")
	}

	e.auditSend(ctx, r, msg.ID, rcpt, next, sendErr)
	e.publish(writeCtx, r, msg.ID, rcpt, next)

	if err := e.Counters.IncrementCounters(writeCtx, r.req.CampaignID, ch, delta); err != nil {
		return apperr.Persistence("increment counters", err)
	}
	if err := e.Messages.UpdateDelivery(writeCtx, msg.ID, ch, next); err != nil {
		return apperr.Persistence("update delivery", err)
	}
	return nil
}

// prepareMessage returns the recipient's message record with a pending delivery on ch,
// creating or extending it as needed.
func (e *Engine) prepareMessage(ctx context.Context, campaignID string, ch campaign.Channel, rcpt campaign.Recipient) (campaign.Message, error) {
	msg, err := e.Messages.FindMessageByRecipient(ctx, campaignID, rcpt.Key)
	switch {
	case err == nil:
		if _, ok := msg.Deliveries[ch]; ok {
			return msg, nil
		}
		pending := campaign.Delivery{Status: campaign.MessagePending}
		if err := e.Messages.UpdateDelivery(ctx, msg.ID, ch, pending); err != nil {
			return campaign.Message{}, apperr.Persistence("add delivery", err)
		}
		if msg.Deliveries == nil {
			msg.Deliveries = map[campaign.Channel]campaign.Delivery{}
		}
		msg.Deliveries[ch] = pending
		return msg, nil
	case apperr.IsNotFound(err):
	default:
		return campaign.Message{}, apperr.Persistence("find message", err)
	}

	now := e.now()
	msg = campaign.Message{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Recipient:  rcpt,
		Deliveries: map[campaign.Channel]campaign.Delivery{ch: {Status: campaign.MessagePending}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Messages.CreateMessage(ctx, msg); err != nil {
		return campaign.Message{}, apperr.Persistence("create message", err)
	}
	return msg, nil
}

func (e *Engine) send(ctx context.Context, r *run, rcpt campaign.Recipient) (string, error) {
	ch := r.req.Channel
	addr := rcpt.Address(ch)
	if addr == "" {
		return "", apperr.Validation("recipient."+rcpt.Key, fmt.Sprintf("has no %s address", ch))
	}
	rendered := template.RenderTemplate(r.req.Template, rcpt.Bindings())

	ctx, span := otel.Tracer("dispatch").Start(ctx, "send")
	defer span.End()
	span.SetAttributes(attribute.String("channel", string(ch)))

	start := time.Now()
	id, err := r.sender.Send(ctx, channel.Outgoing{Address: addr, Subject: rendered.Subject, Body: rendered.Body})
	sendLatency.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		var te *apperr.TransportError
		if !errors.As(err, &te) {
			err = &apperr.TransportError{Channel: string(ch), Address: e.display(addr), Err: err}
		}
		return "", err
	}
	return id, nil
}

func (e *Engine) auditSend(ctx context.Context, r *run, messageID string, rcpt campaign.Recipient, d campaign.Delivery, sendErr error) {
	entry := audit.Entry{
		Action:       audit.ActionSend,
		ResourceType: "message",
		ResourceID:   messageID,
		After: map[string]any{
			"campaign_id": r.req.CampaignID,
			"channel":     string(r.req.Channel),
			"recipient":   e.display(rcpt.Address(r.req.Channel)),
			"status":      string(d.Status),
		},
		Success: sendErr == nil,
	}
	if d.ProviderMessageID != "" {
		entry.After["provider_message_id"] = d.ProviderMessageID
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	e.Audit.RecordOrLog(context.WithoutCancel(ctx), entry)
}

func (e *Engine) publish(ctx context.Context, r *run, messageID string, rcpt campaign.Recipient, d campaign.Delivery) {
	if e.Events == nil {
		return
	}
	err := e.Events.PublishSend(ctx, events.SendEvent{
		CampaignID:        r.req.CampaignID,
		MessageID:         messageID,
		Channel:           r.req.Channel,
		Status:            d.Status,
		ProviderMessageID: d.ProviderMessageID,
		Recipient:         e.display(rcpt.Address(r.req.Channel)),
		Error:             d.LastError,
		EmittedAt:         e.now(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("message_id", messageID).Msg("send event not published")
	}
}

func (e *Engine) channelConfig(ch campaign.Channel) ChannelConfig {
	cfg := e.Channels[ch]
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return cfg
}

// sharedLimiter returns the channel's token bucket, created once per engine so that concurrent
// dispatches on the same channel share it.
func (e *Engine) sharedLimiter(ch campaign.Channel, interval time.Duration) *rate.Limiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	if e.limiters == nil {
		e.limiters = map[campaign.Channel]*rate.Limiter{}
	}
	l, ok := e.limiters[ch]
	if !ok {
		l = rate.NewLimiter(rate.Every(interval), 1)
		e.limiters[ch] = l
	}
	return l
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) display(addr string) string {
	if !e.RedactRecipients {
		return addr
	}
	return Redact(addr)
}

// Redact masks an address, keeping its first character and the email domain or last two digits.
func Redact(addr string) string {
	if addr == "" {
		return ""
	}
	if at := strings.LastIndex(addr, "@"); at > 0 {
		return addr[:1] + "***" + addr[at:]
	}
	if len(addr) <= 3 {
		return "***"
	}
	return addr[:1] + "***" + addr[len(addr)-2:]
}
