package audit

import (
	"context"
	"time"
)

type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionStatusChange Action = "STATUS_CHANGE"
	ActionLoginSuccess Action = "LOGIN_SUCCESS"
	ActionLoginFailed  Action = "LOGIN_FAILED"
	ActionSend         Action = "SEND"
	ActionConfigChange Action = "CONFIG_CHANGE"
)

// Entry is one immutable audit record. Before is nil for CREATE and After is nil for DELETE.
type Entry struct {
	ID           int64          `json:"id"`
	ActorID      string         `json:"actor_id,omitempty"`
	ActorName    string         `json:"actor_name,omitempty"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	RemoteAddr   string         `json:"remote_addr,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Method       string         `json:"method,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Filter selects entries. From is inclusive and To is exclusive.
type Filter struct {
	ActorID      string
	Action       Action
	ResourceType string
	Success      *bool
	From         *time.Time
	To           *time.Time
}

func (f Filter) Matches(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

type Dimension string

const (
	ByAction       Dimension = "action"
	ByActor        Dimension = "actor"
	ByResourceType Dimension = "resource_type"
)

type Bucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type DayCount struct {
	Day   time.Time `json:"day"`
	Count int       `json:"count"`
}

// Store persists entries append-only. IDs are assigned by the store in creation order.
type Store interface {
	AppendAuditEntry(ctx context.Context, e Entry) (Entry, error)
	GetAuditEntry(ctx context.Context, id int64) (Entry, error)
	// ListAuditEntries returns matching entries newest first, restricted to IDs below beforeID when it is positive.
	ListAuditEntries(ctx context.Context, f Filter, beforeID int64, limit int) ([]Entry, error)
	CountAuditEntries(ctx context.Context, f Filter) (int, error)
	CountAuditBy(ctx context.Context, f Filter, dim Dimension, limit int) ([]Bucket, error)
	CountAuditByDay(ctx context.Context, f Filter) ([]DayCount, error)
}

// Origin describes who triggered an action and from where.
type Origin struct {
	ActorID    string
	ActorName  string
	RemoteAddr string
	UserAgent  string
	Endpoint   string
	Method     string
}

type originKey struct{}

func NewContext(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

func FromContext(ctx context.Context) (Origin, bool) {
	if ctx == nil {
		return Origin{}, false
	}
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}
