package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
)

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := auditFilter(q)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	size, err := intParam(q.Get("page_size"), "page_size")
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	res, err := s.trail.Query(r.Context(), f, audit.Page{Size: size, Token: q.Get("page_token")})
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if res.Entries == nil {
		res.Entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondErr(r.Context(), w, apperr.Validation("id", "must be a positive integer"))
		return
	}
	e, err := s.trail.Get(r.Context(), id)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) auditSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := intParam(q.Get("days"), "days")
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	if days > 365 {
		s.respondErr(r.Context(), w, apperr.Validation("days", "must be at most 365"))
		return
	}
	top, err := intParam(q.Get("top"), "top")
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	sum, err := s.trail.Summary(r.Context(), days, top)
	if err != nil {
		s.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func auditFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		ActorID:      q.Get("actor_id"),
		Action:       audit.Action(q.Get("action")),
		ResourceType: q.Get("resource_type"),
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return audit.Filter{}, apperr.Validation("success", "must be true or false")
		}
		f.Success = &b
	}
	var err error
	if f.From, err = timeParam(q.Get("from"), "from"); err != nil {
		return audit.Filter{}, err
	}
	if f.To, err = timeParam(q.Get("to"), "to"); err != nil {
		return audit.Filter{}, err
	}
	return f, nil
}

func timeParam(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validation(field, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}
