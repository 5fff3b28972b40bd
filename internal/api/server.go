package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/auth"
	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/ratelimit"
)

// Server exposes campaigns, authentication and the audit trail over HTTP.
type Server struct {
	campaigns *campaign.Service
	auth      *auth.Service
	tokens    *auth.Tokens
	limiter   *ratelimit.Limiter
	trail     *audit.Trail
	tracer    trace.Tracer
	logger    zerolog.Logger

	// background campaign runs started without ?wait=true
	runs sync.WaitGroup
}

func NewServer(campaigns *campaign.Service, authSvc *auth.Service, limiter *ratelimit.Limiter, trail *audit.Trail, logger zerolog.Logger) *Server {
	return &Server{
		campaigns: campaigns,
		auth:      authSvc,
		tokens:    authSvc.Tokens(),
		limiter:   limiter,
		trail:     trail,
		tracer:    otel.Tracer("api"),
		logger:    logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)

	r.Route("/api/v1", func(r chi.Router) {
		// Login is limited inside the auth service so failed attempts share the login budget.
		r.Post("/auth/login", s.login)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit(ratelimit.ClassAPI))

			r.Get("/auth/me", s.me)
			r.Post("/templates/validate", s.validateTemplate)

			r.Get("/campaigns", s.listCampaigns)
			r.Get("/campaigns/{id}", s.getCampaign)
			r.Get("/campaigns/{id}/messages", s.listMessages)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleOperator))
				r.Post("/campaigns", s.createCampaign)
				r.Patch("/campaigns/{id}", s.updateCampaign)
				r.Post("/campaigns/{id}/schedule", s.scheduleCampaign)
				r.Post("/campaigns/{id}/cancel", s.cancelCampaign)
				r.Post("/campaigns/{id}/retry", s.retryCampaign)
				r.With(s.rateLimit(ratelimit.ClassBulkSend)).Post("/campaigns/{id}/start", s.startCampaign)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleSupervisor))
				r.Get("/audit/logs", s.listAudit)
				r.Get("/audit/logs/{id}", s.getAudit)
				r.Get("/audit/summary", s.auditSummary)
			})
		})
	})
	return r
}

// Shutdown waits for background campaign runs to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "login")
	defer span.End()

	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	session, err := s.auth.Login(ctx, req.Username, req.Password, clientIP(r))
	if err != nil {
		s.respondErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, id)
}
