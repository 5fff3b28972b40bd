package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/template"
)

type templateCheck struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors,omitempty"`
	Variables []string `json:"variables"`
}

func (s *Server) validateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl template.Template
	if err := decode(r, &tpl); err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	res := templateCheck{Variables: []string{}}
	for name := range template.ExtractVariables(tpl.Subject + "\n" + tpl.Body) {
		res.Variables = append(res.Variables, name)
	}
	sort.Strings(res.Variables)
	for _, err := range template.ValidateTemplate(tpl) {
		res.Errors = append(res.Errors, err.Error())
	}
	res.Valid = len(res.Errors) == 0
	writeJSON(w, http.StatusOK, res)
}

type campaignList struct {
	Campaigns []campaign.Campaign `json:"campaigns"`
	Total     int                 `json:"total"`
	Offset    int                 `json:"offset"`
	Limit     int                 `json:"limit"`
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := campaign.ListFilter{
		Status: campaign.Status(q.Get("status")),
		Type:   campaign.Type(q.Get("type")),
	}
	var err error
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	out, total, err := s.campaigns.List(r.Context(), f)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if out == nil {
		out = []campaign.Campaign{}
	}
	writeJSON(w, http.StatusOK, campaignList{Campaigns: out, Total: total, Offset: f.Offset, Limit: f.Limit})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.campaigns.Get(r.Context(), id); err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	msgs, err := s.campaigns.Messages(r.Context(), id)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if msgs == nil {
		msgs = []campaign.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "create_campaign")
	defer span.End()

	var in campaign.CreateInput
	if err := decode(r, &in); err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	c, err := s.campaigns.Create(ctx, in)
	if err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	span.SetAttributes(attribute.String("campaign.id", c.ID))
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) updateCampaign(w http.ResponseWriter, r *http.Request) {
	var p campaign.Patch
	if err := decode(r, &p); err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	c, err := s.campaigns.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	c, err := s.campaigns.Schedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type retryRequest struct {
	Channel campaign.Channel `json:"channel"`
}

func (s *Server) retryCampaign(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if !req.Channel.Valid() {
		s.respondErr(r.Context(), w, apperr.Validation("channel", "must be email or whatsapp"))
		return
	}
	c, err := s.campaigns.CloneForRetry(r.Context(), chi.URLParam(r, "id"), req.Channel)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// startCampaign runs the campaign in the background and answers 202 unless ?wait=true.
// Failures of a background run are only visible in the log and the audit trail.
func (s *Server) startCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if !c.Status.Editable() {
		s.respondErr(r.Context(), w, apperr.InvalidState("campaign", id, string(c.Status), "start"))
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		// A client disconnect must not abort the run it started.
		report, err := s.campaigns.Start(context.WithoutCancel(r.Context()), id)
		if err != nil && report.Campaign.ID == "" {
			s.respondErr(r.Context(), w, err)
			return
		}
		resp := map[string]any{"campaign": report.Campaign, "summaries": report.Summaries}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.campaigns.Start(ctx, id); err != nil {
			logger := common.WithContext(ctx, s.logger)
			logger.Error().Err(err).Str("campaign_id", id).Msg("background campaign run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "status": "starting"})
}

func intParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation(field, "must be a non-negative integer")
	}
	return v, nil
}
