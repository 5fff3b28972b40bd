package campaign

import (
	"context"
	"time"

	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/template"
)

type ListFilter struct {
	Status Status
	Type   Type
	Offset int
	Limit  int
}

// Store persists campaigns. Single-entity writes are assumed transactional; nothing here spans entities.
type Store interface {
	CreateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	// UpdateCampaign saves c only if the stored status still equals expected. Counters are never written here.
	UpdateCampaign(ctx context.Context, c Campaign, expected Status) error
	ListCampaigns(ctx context.Context, f ListFilter) ([]Campaign, int, error)
	// IncrementCounters applies delta atomically and only while the campaign is running.
	IncrementCounters(ctx context.Context, id string, ch Channel, delta Counters) error
	DueCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
}

// MessageStore persists per-recipient records. Messages are looked up by campaign id, not held in the campaign.
type MessageStore interface {
	CreateMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	FindMessageByRecipient(ctx context.Context, campaignID, recipientKey string) (Message, error)
	FindMessageByProviderID(ctx context.Context, ch Channel, providerMessageID string) (Message, error)
	// UpdateDelivery replaces the state of one channel of a message.
	UpdateDelivery(ctx context.Context, messageID string, ch Channel, d Delivery) error
	ListMessages(ctx context.Context, campaignID string) ([]Message, error)
}

type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (audit.Entry, error)
	RecordOrLog(ctx context.Context, e audit.Entry)
}

// Resolver turns opaque selection criteria into a concrete recipient list.
type Resolver interface {
	Resolve(ctx context.Context, criteria []byte) ([]Recipient, error)
}

// Pacing is the minimum delay between consecutive sends. With Global unset the delay is
// enforced per worker; with Global set all workers of the channel share one token bucket.
type Pacing struct {
	Interval time.Duration
	Global   bool
}

type DispatchRequest struct {
	CampaignID string
	Channel    Channel
	Recipients []Recipient
	Template   template.Template
	// Pacing overrides the engine's configured pacing for the channel when set.
	Pacing *Pacing
}

// Summary is the batch outcome of one dispatch. Sent+Failed equals the recipients attempted;
// Skipped counts recipients never attempted because the dispatch was cancelled.
type Summary struct {
	Channel Channel `json:"channel"`
	Total   int     `json:"total"`
	Sent    int     `json:"sent"`
	Failed  int     `json:"failed"`
	Skipped int     `json:"skipped"`
}

func (s Summary) Attempted() int { return s.Sent + s.Failed }

type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (Summary, error)
}
