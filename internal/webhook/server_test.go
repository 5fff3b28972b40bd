package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/events"
)

type capture struct {
	events []events.StatusEvent
	err    error
}

func (c *capture) PublishStatus(_ context.Context, e events.StatusEvent) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestSendGridEvents(t *testing.T) {
	pub := &capture{}
	s := &Server{Publisher: pub, Logger: zerolog.Nop()}
	body := `[
		{"sg_message_id":"abc123.filter0001.1.2","event":"delivered","timestamp":1717232400},
		{"sg_message_id":"abc123.filter0001.1.2","event":"processed"},
		{"sg_message_id":"def456.filter0002","event":"bounce","reason":"550 mailbox unknown"}
	]`
	rec := post(t, s, "/v1/providers/sendgrid/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(pub.events))
	}
	first := pub.events[0]
	if first.ProviderMessageID != "abc123" || first.Status != campaign.MessageDelivered || first.Channel != campaign.ChannelEmail {
		t.Fatalf("unexpected event %+v", first)
	}
	if !first.OccurredAt.Equal(time.Unix(1717232400, 0)) {
		t.Fatalf("timestamp not honoured: %s", first.OccurredAt)
	}
	if pub.events[1].Status != campaign.MessageBounced || pub.events[1].Error != "550 mailbox unknown" {
		t.Fatalf("unexpected bounce %+v", pub.events[1])
	}
}

func TestEvolutionEvents(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   campaign.MessageStatus
		wantID string
	}{
		{
			name:   "delivery ack",
			body:   `{"event":"messages.update","instance":"main","data":{"keyId":"3EB0A1","status":"DELIVERY_ACK"}}`,
			want:   campaign.MessageDelivered,
			wantID: "3EB0A1",
		},
		{
			name:   "read with nested key",
			body:   `{"event":"messages.update","data":{"key":{"id":"3EB0B2"},"status":"READ"}}`,
			want:   campaign.MessageRead,
			wantID: "3EB0B2",
		},
		{
			name:   "server ack ignored",
			body:   `{"event":"messages.update","data":{"keyId":"3EB0C3","status":"SERVER_ACK"}}`,
			wantID: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pub := &capture{}
			s := &Server{Publisher: pub, Logger: zerolog.Nop()}
			rec := post(t, s, "/v1/providers/evolution/events", tc.body)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d", rec.Code)
			}
			if tc.want == "" {
				if len(pub.events) != 0 {
					t.Fatalf("expected nothing published, got %+v", pub.events)
				}
				return
			}
			if len(pub.events) != 1 || pub.events[0].Status != tc.want || pub.events[0].ProviderMessageID != tc.wantID {
				t.Fatalf("unexpected events %+v", pub.events)
			}
			if pub.events[0].Channel != campaign.ChannelWhatsApp {
				t.Fatalf("expected whatsapp channel")
			}
		})
	}
}

func TestWebhookRejections(t *testing.T) {
	tests := []struct {
		name string
		s    *Server
		path string
		body string
		want int
	}{
		{name: "unknown provider", s: &Server{Publisher: &capture{}}, path: "/v1/providers/ses/events", body: `{}`, want: http.StatusNotFound},
		{name: "malformed", s: &Server{Publisher: &capture{}}, path: "/v1/providers/sendgrid/events", body: `{`, want: http.StatusBadRequest},
		{name: "missing id", s: &Server{Publisher: &capture{}}, path: "/v1/providers/evolution/events", body: `{"event":"messages.update","data":{}}`, want: http.StatusBadRequest},
		{name: "bad token", s: &Server{Publisher: &capture{}, Token: "t0k"}, path: "/v1/providers/sendgrid/events?token=nope", body: `[]`, want: http.StatusUnauthorized},
		{name: "publish failure", s: &Server{Publisher: &capture{err: errors.New("kafka down")}}, path: "/v1/providers/sendgrid/events", body: `[{"sg_message_id":"a.b","event":"open"}]`, want: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.s.Logger = zerolog.Nop()
			if rec := post(t, tc.s, tc.path, tc.body); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
