package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/example/campaign-service/internal/apperr"
)

// InlineResolver reads recipients embedded in the criteria as {"recipients": [...]}.
type InlineResolver struct{}

type inlineCriteria struct {
	Recipients []Recipient `json:"recipients"`
}

func (InlineResolver) Resolve(_ context.Context, criteria []byte) ([]Recipient, error) {
	if len(criteria) == 0 {
		return nil, apperr.Validation("selection_criteria", "is empty")
	}
	var c inlineCriteria
	if err := json.Unmarshal(criteria, &c); err != nil {
		return nil, apperr.Validation("selection_criteria", err.Error())
	}
	seen := make(map[string]struct{}, len(c.Recipients))
	out := make([]Recipient, 0, len(c.Recipients))
	for i, r := range c.Recipients {
		if strings.TrimSpace(r.Key) == "" {
			r.Key = fmt.Sprintf("idx-%d", i)
		}
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// RetryCriteria selects the recipients of an earlier campaign whose delivery on Channel failed.
type RetryCriteria struct {
	RetryOf string  `json:"retry_of"`
	Channel Channel `json:"channel"`
}

// RetryResolver answers retry criteria from the message records and delegates everything else.
type RetryResolver struct {
	Messages MessageStore
	Next     Resolver
}

func (r RetryResolver) Resolve(ctx context.Context, criteria []byte) ([]Recipient, error) {
	var rc RetryCriteria
	if len(criteria) > 0 && json.Unmarshal(criteria, &rc) == nil && rc.RetryOf != "" {
		return r.failedRecipients(ctx, rc)
	}
	if r.Next == nil {
		return nil, apperr.Validation("selection_criteria", "no resolver configured")
	}
	return r.Next.Resolve(ctx, criteria)
}

func (r RetryResolver) failedRecipients(ctx context.Context, rc RetryCriteria) ([]Recipient, error) {
	msgs, err := r.Messages.ListMessages(ctx, rc.RetryOf)
	if err != nil {
		return nil, apperr.Persistence("list messages for retry", err)
	}
	out := make([]Recipient, 0)
	for _, m := range msgs {
		if d, ok := m.Deliveries[rc.Channel]; ok && d.Status == MessageFailed {
			out = append(out, m.Recipient)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
