package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/template"
)

const resourceCampaign = "campaign"
const resourceMessage = "message"

// Service owns the campaign lifecycle:
//
//	draft ──► scheduled ──► running ──► completed | failed
//	  └──────────┴──► cancelled
//
// Running campaigns cannot be cancelled; a dispatch only stops early when its context is
// cancelled, which workers check between recipients.
type Service struct {
	store      Store
	messages   MessageStore
	audit      Auditor
	dispatcher Dispatcher
	resolver   Resolver
	logger     zerolog.Logger
	clock      func() time.Time
}

func NewService(store Store, messages MessageStore, auditor Auditor, dispatcher Dispatcher, resolver Resolver, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		messages:   messages,
		audit:      auditor,
		dispatcher: dispatcher,
		resolver:   resolver,
		logger:     logger,
		clock:      time.Now,
	}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

type CreateInput struct {
	Name        string                        `json:"name"`
	Description string                        `json:"description"`
	Type        Type                          `json:"type"`
	Criteria    json.RawMessage               `json:"selection_criteria"`
	Templates   map[Channel]template.Template `json:"templates"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Campaign, error) {
	now := s.now()
	c := Campaign{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Type:        in.Type,
		Status:      StatusDraft,
		Criteria:    in.Criteria,
		Templates:   in.Templates,
		Counters:    map[Channel]Counters{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o, ok := audit.FromContext(ctx); ok {
		c.CreatedBy = o.ActorID
	}
	for _, ch := range c.Type.Channels() {
		c.Counters[ch] = Counters{}
	}
	if err := validateCampaign(c); err != nil {
		s.record(ctx, audit.ActionCreate, c.ID, nil, c.Snapshot(), err)
		return Campaign{}, err
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		err = apperr.Persistence("create campaign", err)
		s.record(ctx, audit.ActionCreate, c.ID, nil, c.Snapshot(), err)
		return Campaign{}, err
	}
	s.record(ctx, audit.ActionCreate, c.ID, nil, c.Snapshot(), nil)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return Campaign{}, err
		}
		return Campaign{}, apperr.Persistence("get campaign", err)
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Campaign, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	out, total, err := s.store.ListCampaigns(ctx, f)
	if err != nil {
		return nil, 0, apperr.Persistence("list campaigns", err)
	}
	return out, total, nil
}

// Patch holds edits; nil fields are left unchanged.
type Patch struct {
	Name        *string                       `json:"name"`
	Description *string                       `json:"description"`
	Templates   map[Channel]template.Template `json:"templates"`
	Criteria    json.RawMessage               `json:"selection_criteria"`
}

func (s *Service) Update(ctx context.Context, id string, p Patch) (Campaign, error) {
	before, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if !before.Status.Editable() {
		err := apperr.InvalidState(resourceCampaign, id, string(before.Status), "edit")
		s.record(ctx, audit.ActionUpdate, id, before.Snapshot(), nil, err)
		return Campaign{}, err
	}

	after := before
	if p.Name != nil {
		after.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		after.Description = strings.TrimSpace(*p.Description)
	}
	if p.Templates != nil {
		after.Templates = p.Templates
	}
	if p.Criteria != nil {
		after.Criteria = p.Criteria
	}
	after.UpdatedAt = s.now()
	if err := validateCampaign(after); err != nil {
		s.record(ctx, audit.ActionUpdate, id, before.Snapshot(), after.Snapshot(), err)
		return Campaign{}, err
	}
	if err := s.save(ctx, after, before.Status); err != nil {
		s.record(ctx, audit.ActionUpdate, id, before.Snapshot(), after.Snapshot(), err)
		return Campaign{}, err
	}
	s.record(ctx, audit.ActionUpdate, id, before.Snapshot(), after.Snapshot(), nil)
	return after, nil
}

func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (Campaign, error) {
	if !at.After(s.now()) {
		err := apperr.Validation("scheduled_at", "must be in the future")
		s.record(ctx, audit.ActionStatusChange, id, nil, map[string]any{"status": string(StatusScheduled)}, err)
		return Campaign{}, err
	}
	return s.transition(ctx, id, StatusScheduled, "schedule", func(c *Campaign) {
		ts := at.UTC()
		c.ScheduledAt = &ts
	})
}

func (s *Service) Cancel(ctx context.Context, id string) (Campaign, error) {
	return s.transition(ctx, id, StatusCancelled, "cancel", func(c *Campaign) {
		now := s.now()
		c.CompletedAt = &now
	})
}

func (s *Service) transition(ctx context.Context, id string, to Status, op string, mutate func(*Campaign)) (Campaign, error) {
	before, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if !before.Status.Editable() {
		err := apperr.InvalidState(resourceCampaign, id, string(before.Status), op)
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), nil, err)
		return Campaign{}, err
	}
	after := before
	after.Status = to
	after.UpdatedAt = s.now()
	mutate(&after)
	if err := s.save(ctx, after, before.Status); err != nil {
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), after.Snapshot(), err)
		return Campaign{}, err
	}
	s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), after.Snapshot(), nil)
	return after, nil
}

type Report struct {
	Campaign  Campaign  `json:"campaign"`
	Summaries []Summary `json:"summaries"`
}

// Start resolves recipients, moves the campaign to running and dispatches every channel in
// order. The campaign ends completed when at least one message succeeded, failed otherwise.
func (s *Service) Start(ctx context.Context, id string) (Report, error) {
	before, err := s.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if !before.Status.Editable() {
		err := apperr.InvalidState(resourceCampaign, id, string(before.Status), "start")
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), nil, err)
		return Report{}, err
	}
	if err := validateTemplates(before); err != nil {
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), nil, err)
		return Report{}, err
	}
	recipients, err := s.resolver.Resolve(ctx, before.Criteria)
	if err != nil {
		err = fmt.Errorf("resolve recipients: %w", err)
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), nil, err)
		return Report{}, err
	}
	if len(recipients) == 0 {
		err := apperr.Validation("selection_criteria", "resolved to no recipients")
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), nil, err)
		return Report{}, err
	}

	running := before
	running.Status = StatusRunning
	started := s.now()
	running.StartedAt = &started
	running.UpdatedAt = started
	running.TotalRecipients = len(recipients)
	if err := s.save(ctx, running, before.Status); err != nil {
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), running.Snapshot(), err)
		return Report{}, err
	}
	s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), running.Snapshot(), nil)

	logger := common.WithContext(ctx, s.logger).With().Str("campaign_id", id).Logger()
	logger.Info().Int("recipients", len(recipients)).Str("type", string(running.Type)).Msg("campaign started")

	report := Report{}
	var dispatchErr error
	for _, ch := range running.Type.Channels() {
		summary, err := s.dispatcher.Dispatch(ctx, DispatchRequest{
			CampaignID: id,
			Channel:    ch,
			Recipients: recipients,
			Template:   running.Templates[ch],
		})
		report.Summaries = append(report.Summaries, summary)
		if err != nil {
			dispatchErr = fmt.Errorf("dispatch %s: %w", ch, err)
			break
		}
	}

	// Finishing writes must land even if the caller's context was cancelled mid-dispatch.
	finishCtx := context.WithoutCancel(ctx)
	stopped := dispatchErr != nil && ctx.Err() != nil && errors.Is(dispatchErr, ctx.Err())
	final := StatusFailed
	if (dispatchErr == nil || stopped) && s.anySucceeded(finishCtx, id, report.Summaries) {
		final = StatusCompleted
	}
	done, err := s.finish(finishCtx, id, final)
	if err != nil {
		logger.Error().Err(err).Msg("failed to finish campaign")
		if dispatchErr == nil {
			dispatchErr = err
		}
		done = running
	}
	report.Campaign = done
	switch {
	case stopped:
		logger.Warn().Err(dispatchErr).Str("status", string(final)).Msg("campaign dispatch stopped early")
	case dispatchErr != nil:
		logger.Error().Err(dispatchErr).Str("status", string(final)).Msg("campaign dispatch aborted")
	default:
		logger.Info().Str("status", string(final)).Msg("campaign finished")
	}
	return report, dispatchErr
}

func (s *Service) finish(ctx context.Context, id string, final Status) (Campaign, error) {
	before, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	after := before
	after.Status = final
	now := s.now()
	after.CompletedAt = &now
	after.UpdatedAt = now
	if err := s.save(ctx, after, StatusRunning); err != nil {
		s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), after.Snapshot(), err)
		return Campaign{}, err
	}
	s.record(ctx, audit.ActionStatusChange, id, before.Snapshot(), after.Snapshot(), nil)
	return after, nil
}

// anySucceeded decides the outcome from the message records, falling back to the batch
// summaries when the records cannot be read.
func (s *Service) anySucceeded(ctx context.Context, id string, summaries []Summary) bool {
	msgs, err := s.messages.ListMessages(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("campaign_id", id).Msg("list messages for outcome, using batch summaries")
		for _, sum := range summaries {
			if sum.Sent > 0 {
				return true
			}
		}
		return false
	}
	for _, m := range msgs {
		for _, d := range m.Deliveries {
			if d.Status.Succeeded() {
				return true
			}
		}
	}
	return false
}

// StartDue starts every scheduled campaign whose time has come. Failures are logged per campaign.
func (s *Service) StartDue(ctx context.Context) (int, error) {
	due, err := s.store.DueCampaigns(ctx, s.now())
	if err != nil {
		return 0, apperr.Persistence("list due campaigns", err)
	}
	started := 0
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Start(ctx, c.ID); err != nil {
			s.logger.Error().Err(err).Str("campaign_id", c.ID).Msg("scheduled start failed")
			continue
		}
		started++
	}
	return started, nil
}

func (s *Service) Messages(ctx context.Context, id string) ([]Message, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListMessages(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("list messages", err)
	}
	return msgs, nil
}

// StatusUpdate is an asynchronous delivery report for one channel of a message.
type StatusUpdate struct {
	MessageID         string        `json:"message_id,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Channel           Channel       `json:"channel"`
	Status            MessageStatus `json:"status"`
	OccurredAt        time.Time     `json:"occurred_at"`
	Error             string        `json:"error,omitempty"`
}

// Reports only reach messages the engine already counted as sent, so a provider failure after
// acceptance counts as bounced and sent+failed keeps matching the recipients attempted.
var asyncStatuses = map[MessageStatus]Counters{
	MessageDelivered: {Delivered: 1},
	MessageRead:      {Read: 1},
	MessageBounced:   {Bounced: 1},
	MessageFailed:    {Bounced: 1},
}

// ApplyDeliveryStatus advances one channel of a message from a provider report. Messages are
// immutable once their campaign has left running.
func (s *Service) ApplyDeliveryStatus(ctx context.Context, u StatusUpdate) (Message, error) {
	delta, ok := asyncStatuses[u.Status]
	if !ok {
		return Message{}, apperr.Validation("status", fmt.Sprintf("%q is not a delivery report status", u.Status))
	}
	if !u.Channel.Valid() {
		return Message{}, apperr.Validation("channel", "is invalid")
	}

	m, err := s.lookupMessage(ctx, u)
	if err != nil {
		return Message{}, err
	}
	c, err := s.Get(ctx, m.CampaignID)
	if err != nil {
		return Message{}, err
	}
	if c.Status != StatusRunning {
		return Message{}, apperr.InvalidState(resourceMessage, m.ID, string(c.Status), "update delivery")
	}
	current, ok := m.Deliveries[u.Channel]
	if !ok {
		return Message{}, apperr.NotFound("delivery", m.ID+"/"+string(u.Channel))
	}
	if current.Status == MessagePending {
		return Message{}, apperr.InvalidState(resourceMessage, m.ID, string(current.Status), "advance to "+string(u.Status))
	}
	at := u.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	next, ok := current.Advance(u.Status, at)
	if !ok {
		return Message{}, apperr.InvalidState(resourceMessage, m.ID, string(current.Status), "advance to "+string(u.Status))
	}
	if u.Error != "" {
		next.LastError = u.Error
	}

	before := map[string]any{"channel": string(u.Channel), "status": string(current.Status)}
	after := map[string]any{"channel": string(u.Channel), "status": string(next.Status)}
	if err := s.store.IncrementCounters(ctx, c.ID, u.Channel, delta); err != nil {
		err = wrapStoreErr("increment counters", err)
		s.recordResource(ctx, audit.ActionUpdate, resourceMessage, m.ID, before, after, err)
		return Message{}, err
	}
	if err := s.messages.UpdateDelivery(ctx, m.ID, u.Channel, next); err != nil {
		err = apperr.Persistence("update delivery", err)
		s.recordResource(ctx, audit.ActionUpdate, resourceMessage, m.ID, before, after, err)
		return Message{}, err
	}
	s.recordResource(ctx, audit.ActionUpdate, resourceMessage, m.ID, before, after, nil)
	m.Deliveries[u.Channel] = next
	return m, nil
}

func (s *Service) lookupMessage(ctx context.Context, u StatusUpdate) (Message, error) {
	var (
		m   Message
		err error
	)
	switch {
	case u.MessageID != "":
		m, err = s.messages.GetMessage(ctx, u.MessageID)
	case u.ProviderMessageID != "":
		m, err = s.messages.FindMessageByProviderID(ctx, u.Channel, u.ProviderMessageID)
	default:
		return Message{}, apperr.Validation("message_id", "message or provider message id is required")
	}
	if err != nil {
		return Message{}, wrapStoreErr("find message", err)
	}
	return m, nil
}

// CloneForRetry creates a draft campaign that targets the recipients whose delivery on ch failed.
func (s *Service) CloneForRetry(ctx context.Context, id string, ch Channel) (Campaign, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if src.Status != StatusCompleted && src.Status != StatusFailed {
		err := apperr.InvalidState(resourceCampaign, id, string(src.Status), "retry")
		s.record(ctx, audit.ActionCreate, "", map[string]any{"retry_of": id}, nil, err)
		return Campaign{}, err
	}
	tpl, ok := src.Templates[ch]
	if !ok {
		return Campaign{}, apperr.Validation("channel", fmt.Sprintf("campaign has no %s template", ch))
	}
	criteria, err := json.Marshal(RetryCriteria{RetryOf: id, Channel: ch})
	if err != nil {
		return Campaign{}, err
	}
	typ := TypeEmail
	if ch == ChannelWhatsApp {
		typ = TypeWhatsApp
	}
	return s.Create(ctx, CreateInput{
		Name:        src.Name + " (retry " + string(ch) + ")",
		Description: src.Description,
		Type:        typ,
		Criteria:    criteria,
		Templates:   map[Channel]template.Template{ch: tpl},
	})
}

func (s *Service) save(ctx context.Context, c Campaign, expected Status) error {
	if err := s.store.UpdateCampaign(ctx, c, expected); err != nil {
		return wrapStoreErr("update campaign", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, action audit.Action, id string, before, after map[string]any, err error) {
	s.recordResource(ctx, action, resourceCampaign, id, before, after, err)
}

func (s *Service) recordResource(ctx context.Context, action audit.Action, resource, id string, before, after map[string]any, err error) {
	e := audit.Entry{
		Action:       action,
		ResourceType: resource,
		ResourceID:   id,
		Before:       before,
		After:        after,
		Success:      err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.audit.RecordOrLog(ctx, e)
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func wrapStoreErr(op string, err error) error {
	if apperr.IsNotFound(err) || apperr.IsInvalidState(err) {
		return err
	}
	return apperr.Persistence(op, err)
}

func validateCampaign(c Campaign) error {
	if c.Name == "" {
		return apperr.Validation("name", "is required")
	}
	if len(c.Name) > 200 {
		return apperr.Validation("name", "must be at most 200 characters")
	}
	channels := c.Type.Channels()
	if len(channels) == 0 {
		return apperr.Validation("type", fmt.Sprintf("%q is not one of email, whatsapp, both", c.Type))
	}
	for ch := range c.Templates {
		if !containsChannel(channels, ch) {
			return apperr.Validation("templates", fmt.Sprintf("%s template does not match campaign type %s", ch, c.Type))
		}
	}
	if len(c.Criteria) > 0 && !json.Valid(c.Criteria) {
		return apperr.Validation("selection_criteria", "must be valid JSON")
	}
	return nil
}

func validateTemplates(c Campaign) error {
	for _, ch := range c.Type.Channels() {
		tpl, ok := c.Templates[ch]
		if !ok {
			return apperr.Validation("templates", fmt.Sprintf("missing %s template", ch))
		}
		if errs := template.ValidateTemplate(tpl); len(errs) > 0 {
			reasons := make([]string, 0, len(errs))
			for _, e := range errs {
				reasons = append(reasons, e.Error())
			}
			return apperr.Validation("templates."+string(ch), strings.Join(reasons, "; "))
		}
	}
	return nil
}

func containsChannel(list []Channel, ch Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}
