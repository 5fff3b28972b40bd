package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/auth"
	"github.com/example/campaign-service/internal/ratelimit"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "API requests by route and status",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

const requestIDHeader = "X-Request-Id"

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestContext tags the request with an id, stores the caller's origin for audit entries
// and records request metrics.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)

		o := audit.Origin{
			RemoteAddr: clientIP(r),
			UserAgent:  r.UserAgent(),
			Endpoint:   r.URL.Path,
			Method:     r.Method,
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(audit.NewContext(ctx, o)))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
		requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// rateLimit admits the request under class, keyed by the authenticated user when known and
// the client address otherwise.
func (s *Server) rateLimit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if id, ok := auth.IdentityFrom(r.Context()); ok {
				key = "user:" + id.UserID
			}
			if ok, retry := s.limiter.Allow(key, class); !ok {
				s.respondErr(r.Context(), w, &apperr.RateLimitedError{Class: string(class), RetryAfter: retry})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate requires a valid bearer token and puts the caller into the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			s.respondErr(r.Context(), w, apperr.ErrUnauthenticated)
			return
		}
		id, err := s.tokens.Verify(token)
		if err != nil {
			s.respondErr(r.Context(), w, err)
			return
		}
		ctx := auth.WithIdentity(r.Context(), id)
		o, _ := audit.FromContext(ctx)
		o.ActorID = id.UserID
		o.ActorName = id.Username
		ctx = audit.NewContext(ctx, o)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFrom(r.Context())
			if !ok {
				writeError(w, apperr.ErrUnauthenticated)
				return
			}
			if !id.Role.AtLeast(min) {
				writeError(w, &apperr.ForbiddenError{Role: string(id.Role), Required: string(min)})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
