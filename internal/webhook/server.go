package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/events"
)

const maxBody = 1 << 20

// Publisher is satisfied by *events.Publisher.
type Publisher interface {
	PublishStatus(ctx context.Context, e events.StatusEvent) error
}

type Server struct {
	Publisher Publisher
	Logger    zerolog.Logger
	// Token, when set, must match the token query parameter of every callback.
	Token string
	Clock func() time.Time
}

var (
	eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total webhook events processed",
	}, []string{"provider", "status"})
)

var errUnsupportedProvider = errors.New("unsupported provider")

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/providers/{provider}/events", s.handle)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "ingest-webhook")
	defer span.End()

	provider := chi.URLParam(r, "provider")
	if s.Token != "" && r.URL.Query().Get("token") != s.Token {
		s.respondErr(ctx, w, provider, http.StatusUnauthorized, errors.New("invalid callback token"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.respondErr(ctx, w, provider, http.StatusBadRequest, err)
		return
	}
	evs, err := s.normalize(provider, body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUnsupportedProvider) {
			status = http.StatusNotFound
		}
		s.respondErr(ctx, w, provider, status, err)
		return
	}
	span.SetAttributes(attribute.String("provider", provider), attribute.Int("events", len(evs)))

	accepted := 0
	for _, ev := range evs {
		if ev.Status == "" {
			eventCounter.WithLabelValues(provider, "ignored").Inc()
			continue
		}
		if err := s.Publisher.PublishStatus(ctx, ev); err != nil {
			s.respondErr(ctx, w, provider, http.StatusServiceUnavailable, err)
			return
		}
		eventCounter.WithLabelValues(provider, "ok").Inc()
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted, "ignored": len(evs) - accepted})
}

// normalize turns a provider payload into status events. Events the service does not track
// come back with an empty Status.
func (s *Server) normalize(provider string, body []byte) ([]events.StatusEvent, error) {
	switch provider {
	case "sendgrid":
		return s.normalizeSendGrid(body)
	case "evolution":
		return s.normalizeEvolution(body)
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedProvider, provider)
	}
}

type sendGridEvent struct {
	MessageID string `json:"sg_message_id"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
	Email     string `json:"email"`
}

var sendGridStatuses = map[string]campaign.MessageStatus{
	"delivered": campaign.MessageDelivered,
	"open":      campaign.MessageRead,
	"bounce":    campaign.MessageBounced,
	"dropped":   campaign.MessageFailed,
}

// SendGrid posts a JSON array of events.
func (s *Server) normalizeSendGrid(body []byte) ([]events.StatusEvent, error) {
	var in []sendGridEvent
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("sendgrid payload: %w", err)
	}
	out := make([]events.StatusEvent, 0, len(in))
	for _, e := range in {
		if e.MessageID == "" {
			return nil, errors.New("sendgrid sg_message_id missing")
		}
		if e.Event == "" {
			return nil, errors.New("sendgrid event missing")
		}
		// sg_message_id extends the X-Message-Id returned at send time with a filter suffix.
		id, _, _ := strings.Cut(e.MessageID, ".")
		at := s.now()
		if e.Timestamp > 0 {
			at = time.Unix(e.Timestamp, 0).UTC()
		}
		out = append(out, events.StatusEvent{
			ProviderMessageID: id,
			Provider:          "sendgrid",
			Channel:           campaign.ChannelEmail,
			Status:            sendGridStatuses[e.Event],
			OccurredAt:        at,
			Error:             e.Reason,
			Meta:              map[string]any{"event": e.Event},
		})
	}
	return out, nil
}

type evolutionPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		KeyID string `json:"keyId"`
		Key   struct {
			ID string `json:"id"`
		} `json:"key"`
		Status string `json:"status"`
	} `json:"data"`
	DateTime string `json:"date_time"`
}

var evolutionStatuses = map[string]campaign.MessageStatus{
	"DELIVERY_ACK": campaign.MessageDelivered,
	"READ":         campaign.MessageRead,
	"PLAYED":       campaign.MessageRead,
	"ERROR":        campaign.MessageFailed,
}

func (s *Server) normalizeEvolution(body []byte) ([]events.StatusEvent, error) {
	var p evolutionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("evolution payload: %w", err)
	}
	id := p.Data.KeyID
	if id == "" {
		id = p.Data.Key.ID
	}
	if id == "" {
		return nil, errors.New("evolution message key missing")
	}
	ev := events.StatusEvent{
		ProviderMessageID: id,
		Provider:          "evolution",
		Channel:           campaign.ChannelWhatsApp,
		OccurredAt:        s.now(),
		Meta:              map[string]any{"event": p.Event, "instance": p.Instance, "status": p.Data.Status},
	}
	if strings.EqualFold(p.Event, "messages.update") {
		ev.Status = evolutionStatuses[strings.ToUpper(p.Data.Status)]
	}
	if t, err := time.Parse(time.RFC3339, p.DateTime); err == nil {
		ev.OccurredAt = t.UTC()
	}
	return []events.StatusEvent{ev}, nil
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, provider string, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Str("provider", provider).Int("status", status).Msg("webhook handler error")
	label := provider
	if label != "sendgrid" && label != "evolution" {
		label = "unknown"
	}
	eventCounter.WithLabelValues(label, "error").Inc()
	http.Error(w, err.Error(), status)
}
