// Package memory is an in-process store for campaigns, messages and audit entries.
// It is used by tests and by the API when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/campaign"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpCreateCampaign    Op = "create_campaign"
	OpUpdateCampaign    Op = "update_campaign"
	OpIncrementCounters Op = "increment_counters"
	OpCreateMessage     Op = "create_message"
	OpUpdateDelivery    Op = "update_delivery"
	OpListMessages      Op = "list_messages"
	OpAppendAudit       Op = "append_audit"
)

// FaultFunc may return an error to make the operation on key fail before it takes effect.
type FaultFunc func(op Op, key string) error

type Store struct {
	mu sync.RWMutex

	campaigns map[string]campaign.Campaign
	messages  map[string]campaign.Message
	// byRecipient indexes messages by campaign id and recipient key.
	byRecipient map[string]map[string]string

	auditSeq int64
	entries  []audit.Entry

	fault FaultFunc
}

var (
	_ campaign.Store        = (*Store)(nil)
	_ campaign.MessageStore = (*Store)(nil)
	_ audit.Store           = (*Store)(nil)
)

func New() *Store {
	return &Store{
		campaigns:   map[string]campaign.Campaign{},
		messages:    map[string]campaign.Message{},
		byRecipient: map[string]map[string]string{},
	}
}

// SetFault installs f; nil clears it.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

func (s *Store) check(op Op, key string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op, key)
}

func (s *Store) CreateCampaign(_ context.Context, c campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpCreateCampaign, c.ID); err != nil {
		return err
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return apperr.InvalidState("campaign", c.ID, "exists", "create")
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, apperr.NotFound("campaign", id)
	}
	return cloneCampaign(c), nil
}

func (s *Store) UpdateCampaign(_ context.Context, c campaign.Campaign, expected campaign.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpUpdateCampaign, c.ID); err != nil {
		return err
	}
	cur, ok := s.campaigns[c.ID]
	if !ok {
		return apperr.NotFound("campaign", c.ID)
	}
	if cur.Status != expected {
		return apperr.InvalidState("campaign", c.ID, string(cur.Status), "update")
	}
	next := cloneCampaign(c)
	next.Counters = cloneCounters(cur.Counters)
	s.campaigns[c.ID] = next
	return nil
}

func (s *Store) ListCampaigns(_ context.Context, f campaign.ListFilter) ([]campaign.Campaign, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []campaign.Campaign
	for _, c := range s.campaigns {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if f.Offset >= total {
		return []campaign.Campaign{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	out := make([]campaign.Campaign, 0, end-f.Offset)
	for _, c := range all[f.Offset:end] {
		out = append(out, cloneCampaign(c))
	}
	return out, total, nil
}

func (s *Store) IncrementCounters(_ context.Context, id string, ch campaign.Channel, delta campaign.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpIncrementCounters, id); err != nil {
		return err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return apperr.NotFound("campaign", id)
	}
	if c.Status != campaign.StatusRunning {
		return apperr.InvalidState("campaign", id, string(c.Status), "increment counters")
	}
	if c.Counters == nil {
		c.Counters = map[campaign.Channel]campaign.Counters{}
	}
	c.Counters[ch] = c.Counters[ch].Add(delta)
	s.campaigns[id] = c
	return nil
}

func (s *Store) DueCampaigns(_ context.Context, now time.Time) ([]campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []campaign.Campaign
	for _, c := range s.campaigns {
		if c.Status == campaign.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}

func (s *Store) CreateMessage(_ context.Context, m campaign.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpCreateMessage, m.Recipient.Key); err != nil {
		return err
	}
	idx := s.byRecipient[m.CampaignID]
	if idx == nil {
		idx = map[string]string{}
		s.byRecipient[m.CampaignID] = idx
	}
	if _, dup := idx[m.Recipient.Key]; dup {
		return apperr.InvalidState("message", m.ID, "exists", "create")
	}
	idx[m.Recipient.Key] = m.ID
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (campaign.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return campaign.Message{}, apperr.NotFound("message", id)
	}
	return cloneMessage(m), nil
}

func (s *Store) FindMessageByRecipient(_ context.Context, campaignID, recipientKey string) (campaign.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRecipient[campaignID][recipientKey]
	if !ok {
		return campaign.Message{}, apperr.NotFound("message", campaignID+"/"+recipientKey)
	}
	return cloneMessage(s.messages[id]), nil
}

func (s *Store) FindMessageByProviderID(_ context.Context, ch campaign.Channel, providerMessageID string) (campaign.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if d, ok := m.Deliveries[ch]; ok && d.ProviderMessageID == providerMessageID {
			return cloneMessage(m), nil
		}
	}
	return campaign.Message{}, apperr.NotFound("message", string(ch)+"/"+providerMessageID)
}

func (s *Store) UpdateDelivery(_ context.Context, messageID string, ch campaign.Channel, d campaign.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return apperr.NotFound("message", messageID)
	}
	if err := s.check(OpUpdateDelivery, m.Recipient.Key); err != nil {
		return err
	}
	if m.Deliveries == nil {
		m.Deliveries = map[campaign.Channel]campaign.Delivery{}
	}
	m.Deliveries[ch] = d
	m.UpdatedAt = time.Now().UTC()
	s.messages[messageID] = m
	return nil
}

func (s *Store) ListMessages(_ context.Context, campaignID string) ([]campaign.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(OpListMessages, campaignID); err != nil {
		return nil, err
	}
	out := make([]campaign.Message, 0, len(s.byRecipient[campaignID]))
	for _, id := range s.byRecipient[campaignID] {
		out = append(out, cloneMessage(s.messages[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient.Key < out[j].Recipient.Key })
	return out, nil
}

func (s *Store) AppendAuditEntry(_ context.Context, e audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpAppendAudit, string(e.Action)); err != nil {
		return audit.Entry{}, err
	}
	s.auditSeq++
	e.ID = s.auditSeq
	e.Before = cloneAny(e.Before)
	e.After = cloneAny(e.After)
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *Store) GetAuditEntry(_ context.Context, id int64) (audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// IDs are dense and start at 1.
	if id <= 0 || id > int64(len(s.entries)) {
		return audit.Entry{}, apperr.NotFound("audit_entry", formatID(id))
	}
	return s.entries[id-1], nil
}

func (s *Store) ListAuditEntries(_ context.Context, f audit.Filter, beforeID int64, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountAuditEntries(_ context.Context, f audit.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if f.Matches(e) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountAuditBy(_ context.Context, f audit.Filter, dim audit.Dimension, limit int) ([]audit.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, e := range s.entries {
		if !f.Matches(e) {
			continue
		}
		switch dim {
		case audit.ByAction:
			counts[string(e.Action)]++
		case audit.ByActor:
			counts[e.ActorID]++
		case audit.ByResourceType:
			counts[e.ResourceType]++
		default:
			return nil, apperr.Validation("dimension", string(dim)+" is not supported")
		}
	}
	out := make([]audit.Bucket, 0, len(counts))
	for k, n := range counts {
		out = append(out, audit.Bucket{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountAuditByDay(_ context.Context, f audit.Filter) ([]audit.DayCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[time.Time]int{}
	for _, e := range s.entries {
		if !f.Matches(e) {
			continue
		}
		t := e.CreatedAt.UTC()
		counts[time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)]++
	}
	out := make([]audit.DayCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, audit.DayCount{Day: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}
