package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/common"
)

type errorBody struct {
	Error      string `json:"error"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// statusFor maps the service error taxonomy onto HTTP.
func statusFor(err error) int {
	var (
		rl *apperr.RateLimitedError
		lo *apperr.LockedOutError
		fb *apperr.ForbiddenError
	)
	switch {
	case apperr.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.As(err, &fb):
		return http.StatusForbidden
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsInvalidState(err):
		return http.StatusConflict
	case errors.As(err, &lo):
		return http.StatusLocked
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case apperr.IsPersistence(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	var (
		ve *apperr.ValidationError
		rl *apperr.RateLimitedError
		lo *apperr.LockedOutError
	)
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if errors.As(err, &rl) {
		body.RetryAfter = apperr.RetrySeconds(rl.RetryAfter)
	}
	if errors.As(err, &lo) {
		body.RetryAfter = apperr.RetrySeconds(lo.Remaining)
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, status, body)
	return status
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, err error) {
	status := writeError(w, err)
	logger := common.WithContext(ctx, s.logger)
	ev := logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).Int("status", status).Str("request_id", requestIDFrom(ctx)).Msg("request failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("body", "malformed JSON: "+err.Error())
	}
	return nil
}
