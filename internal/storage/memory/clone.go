package memory

import (
	"strconv"
	"time"

	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/template"
)

func cloneCampaign(c campaign.Campaign) campaign.Campaign {
	if c.Criteria != nil {
		c.Criteria = append([]byte(nil), c.Criteria...)
	}
	if c.Templates != nil {
		tpls := make(map[campaign.Channel]template.Template, len(c.Templates))
		for ch, t := range c.Templates {
			t.Variables = append([]string(nil), t.Variables...)
			tpls[ch] = t
		}
		c.Templates = tpls
	}
	c.Counters = cloneCounters(c.Counters)
	c.ScheduledAt = cloneTime(c.ScheduledAt)
	c.StartedAt = cloneTime(c.StartedAt)
	c.CompletedAt = cloneTime(c.CompletedAt)
	return c
}

func cloneCounters(in map[campaign.Channel]campaign.Counters) map[campaign.Channel]campaign.Counters {
	out := make(map[campaign.Channel]campaign.Counters, len(in))
	for ch, v := range in {
		out[ch] = v
	}
	return out
}

func cloneMessage(m campaign.Message) campaign.Message {
	deliveries := make(map[campaign.Channel]campaign.Delivery, len(m.Deliveries))
	for ch, d := range m.Deliveries {
		deliveries[ch] = d
	}
	m.Deliveries = deliveries
	if m.Recipient.Variables != nil {
		vars := make(map[string]string, len(m.Recipient.Variables))
		for k, v := range m.Recipient.Variables {
			vars[k] = v
		}
		m.Recipient.Variables = vars
	}
	return m
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneAny(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
