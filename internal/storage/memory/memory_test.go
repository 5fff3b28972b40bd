package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/campaign"
)

func TestUpdateCampaignIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := campaign.Campaign{ID: "c1", Name: "a", Type: campaign.TypeEmail, Status: campaign.StatusDraft}
	if err := s.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	c.Status = campaign.StatusRunning
	if err := s.UpdateCampaign(ctx, c, campaign.StatusDraft); err != nil {
		t.Fatalf("update: %v", err)
	}
	c.Status = campaign.StatusCancelled
	if err := s.UpdateCampaign(ctx, c, campaign.StatusDraft); !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state on stale status, got %v", err)
	}
	if _, err := s.GetCampaign(ctx, "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCountersOnlyMoveWhileRunning(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := campaign.Campaign{ID: "c1", Status: campaign.StatusDraft}
	_ = s.CreateCampaign(ctx, c)

	if err := s.IncrementCounters(ctx, "c1", campaign.ChannelEmail, campaign.Counters{Sent: 1}); !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state for draft, got %v", err)
	}
	c.Status = campaign.StatusRunning
	_ = s.UpdateCampaign(ctx, c, campaign.StatusDraft)
	for i := 0; i < 3; i++ {
		if err := s.IncrementCounters(ctx, "c1", campaign.ChannelEmail, campaign.Counters{Sent: 1}); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	// A later full update must not clobber counters.
	c.Status = campaign.StatusCompleted
	c.Counters = nil
	if err := s.UpdateCampaign(ctx, c, campaign.StatusRunning); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ := s.GetCampaign(ctx, "c1")
	if got.Counters[campaign.ChannelEmail].Sent != 3 {
		t.Fatalf("expected 3 sent, got %+v", got.Counters)
	}
}

func TestMessagesAndFaults(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := campaign.Message{
		ID:         "m1",
		CampaignID: "c1",
		Recipient:  campaign.Recipient{Key: "r1"},
		Deliveries: map[campaign.Channel]campaign.Delivery{campaign.ChannelEmail: {Status: campaign.MessagePending}},
	}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateMessage(ctx, m); err == nil {
		t.Fatalf("expected duplicate recipient to be rejected")
	}
	if err := s.UpdateDelivery(ctx, "m1", campaign.ChannelEmail, campaign.Delivery{Status: campaign.MessageSent, ProviderMessageID: "p1"}); err != nil {
		t.Fatalf("update delivery: %v", err)
	}
	got, err := s.FindMessageByProviderID(ctx, campaign.ChannelEmail, "p1")
	if err != nil || got.ID != "m1" {
		t.Fatalf("find by provider id: %v %+v", err, got)
	}

	boom := errors.New("disk full")
	s.SetFault(func(op Op, key string) error {
		if op == OpUpdateDelivery && key == "r1" {
			return boom
		}
		return nil
	})
	if err := s.UpdateDelivery(ctx, "m1", campaign.ChannelEmail, campaign.Delivery{Status: campaign.MessageRead}); !errors.Is(err, boom) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	got, _ = s.GetMessage(ctx, "m1")
	if got.Deliveries[campaign.ChannelEmail].Status != campaign.MessageSent {
		t.Fatalf("faulted write must not apply, got %s", got.Deliveries[campaign.ChannelEmail].Status)
	}
}

func TestAuditListingAndAggregates(t *testing.T) {
	ctx := context.Background()
	s := New()
	day := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := audit.Entry{Action: audit.ActionCreate, ResourceType: "campaign", ActorID: "u1", Success: true, CreatedAt: day.Add(time.Duration(i) * time.Hour)}
		if i%2 == 1 {
			e.Action = audit.ActionSend
			e.ActorID = "u2"
		}
		if _, err := s.AppendAuditEntry(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page, _ := s.ListAuditEntries(ctx, audit.Filter{}, 0, 2)
	if len(page) != 2 || page[0].ID != 5 || page[1].ID != 4 {
		t.Fatalf("expected newest first, got %+v", page)
	}
	page, _ = s.ListAuditEntries(ctx, audit.Filter{}, 4, 10)
	if len(page) != 3 || page[0].ID != 3 {
		t.Fatalf("expected entries below 4, got %d", len(page))
	}

	buckets, _ := s.CountAuditBy(ctx, audit.Filter{}, audit.ByActor, 10)
	if len(buckets) != 2 || buckets[0].Key != "u1" || buckets[0].Count != 3 {
		t.Fatalf("unexpected actor buckets %+v", buckets)
	}

	days, _ := s.CountAuditByDay(ctx, audit.Filter{})
	if len(days) != 2 || days[0].Count != 1 || days[1].Count != 4 {
		t.Fatalf("unexpected day buckets %+v", days)
	}
	if _, err := s.GetAuditEntry(ctx, 9); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
