package campaign

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/example/campaign-service/internal/template"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelWhatsApp
}

// Type is the channel selection of a campaign.
type Type string

const (
	TypeEmail    Type = "email"
	TypeWhatsApp Type = "whatsapp"
	TypeBoth     Type = "both"
)

// Channels lists the channels a campaign of this type dispatches on, in dispatch order.
func (t Type) Channels() []Channel {
	switch t {
	case TypeEmail:
		return []Channel{ChannelEmail}
	case TypeWhatsApp:
		return []Channel{ChannelWhatsApp}
	case TypeBoth:
		return []Channel{ChannelEmail, ChannelWhatsApp}
	default:
		return nil
	}
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusScheduled
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Counters are per-channel aggregates. Read doubles as "opened" for email.
type Counters struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
	Failed    int64 `json:"failed"`
	Bounced   int64 `json:"bounced"`
}

func (c Counters) Add(d Counters) Counters {
	return Counters{
		Sent:      c.Sent + d.Sent,
		Delivered: c.Delivered + d.Delivered,
		Read:      c.Read + d.Read,
		Failed:    c.Failed + d.Failed,
		Bounced:   c.Bounced + d.Bounced,
	}
}

type Campaign struct {
	ID              string                        `json:"id"`
	Name            string                        `json:"name"`
	Description     string                        `json:"description,omitempty"`
	Type            Type                          `json:"type"`
	Status          Status                        `json:"status"`
	Criteria        json.RawMessage               `json:"selection_criteria,omitempty"`
	Templates       map[Channel]template.Template `json:"templates,omitempty"`
	ScheduledAt     *time.Time                    `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time                    `json:"started_at,omitempty"`
	CompletedAt     *time.Time                    `json:"completed_at,omitempty"`
	CreatedBy       string                        `json:"created_by,omitempty"`
	TotalRecipients int                           `json:"total_recipients"`
	Counters        map[Channel]Counters          `json:"counters"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// Snapshot is the audit view of a campaign.
func (c Campaign) Snapshot() map[string]any {
	out := map[string]any{
		"name":             c.Name,
		"type":             string(c.Type),
		"status":           string(c.Status),
		"total_recipients": c.TotalRecipients,
	}
	if c.Description != "" {
		out["description"] = c.Description
	}
	if len(c.Criteria) > 0 {
		out["selection_criteria"] = string(c.Criteria)
	}
	if c.ScheduledAt != nil {
		out["scheduled_at"] = c.ScheduledAt.UTC().Format(time.RFC3339)
	}
	if len(c.Templates) > 0 {
		names := make([]string, 0, len(c.Templates))
		for ch := range c.Templates {
			names = append(names, string(ch))
		}
		sort.Strings(names)
		out["templates"] = strings.Join(names, ",")
	}
	return out
}

type Recipient struct {
	Key       string            `json:"key"`
	Name      string            `json:"name"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Address returns the contact address for ch, or "" when the recipient has none.
func (r Recipient) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return strings.TrimSpace(r.Email)
	case ChannelWhatsApp:
		return strings.TrimSpace(r.Phone)
	default:
		return ""
	}
}

// Bindings merges the recipient's custom variables with its contact fields.
func (r Recipient) Bindings() map[string]string {
	out := make(map[string]string, len(r.Variables)+3)
	for k, v := range r.Variables {
		out[k] = v
	}
	if r.Name != "" {
		out["name"] = r.Name
	}
	if r.Email != "" {
		out["email"] = r.Email
	}
	if r.Phone != "" {
		out["phone"] = r.Phone
	}
	return out
}

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageBounced   MessageStatus = "bounced"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessagePending:   {MessageSent, MessageFailed},
	MessageSent:      {MessageDelivered, MessageRead, MessageBounced, MessageFailed},
	MessageDelivered: {MessageRead, MessageBounced},
}

// CanAdvance reports whether a channel status may move from one state to another.
// Statuses only move forward; read, failed and bounced are final.
func CanAdvance(from, to MessageStatus) bool {
	for _, next := range messageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s MessageStatus) Succeeded() bool {
	return s == MessageSent || s == MessageDelivered || s == MessageRead
}

// Delivery is one channel's state for a message.
type Delivery struct {
	Status            MessageStatus `json:"status"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
	FailedAt          *time.Time    `json:"failed_at,omitempty"`
	BouncedAt         *time.Time    `json:"bounced_at,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
}

// Advance moves the delivery to status at the given time.
func (d Delivery) Advance(status MessageStatus, at time.Time) (Delivery, bool) {
	if !CanAdvance(d.Status, status) {
		return d, false
	}
	ts := at.UTC()
	d.Status = status
	switch status {
	case MessageSent:
		d.SentAt = &ts
	case MessageDelivered:
		d.DeliveredAt = &ts
	case MessageRead:
		d.ReadAt = &ts
	case MessageFailed:
		d.FailedAt = &ts
	case MessageBounced:
		d.BouncedAt = &ts
	}
	return d, true
}

// Message is the per-recipient dispatch record of a campaign.
type Message struct {
	ID         string               `json:"id"`
	CampaignID string               `json:"campaign_id"`
	Recipient  Recipient            `json:"recipient"`
	Deliveries map[Channel]Delivery `json:"deliveries"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func (m Message) Delivery(ch Channel) (Delivery, bool) {
	d, ok := m.Deliveries[ch]
	return d, ok
}
