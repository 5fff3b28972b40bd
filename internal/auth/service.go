package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/ratelimit"
)

const resourceUser = "user"

// Recorder is the synchronous audit write used for authentication events.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  Identity  `json:"user"`
}

// Service runs the login flow: rate limit, lockout, credential check, token issue.
// Every attempt is audited and the login fails if its audit entry cannot be written.
type Service struct {
	checker CredentialChecker
	limiter *ratelimit.Limiter
	lockout *ratelimit.Lockout
	audit   Recorder
	tokens  *Tokens
	logger  zerolog.Logger
}

func NewService(checker CredentialChecker, limiter *ratelimit.Limiter, lockout *ratelimit.Lockout, recorder Recorder, tokens *Tokens, logger zerolog.Logger) *Service {
	return &Service{
		checker: checker,
		limiter: limiter,
		lockout: lockout,
		audit:   recorder,
		tokens:  tokens,
		logger:  logger,
	}
}

func (s *Service) Tokens() *Tokens { return s.tokens }

// Login authenticates username for the given client identity (usually the remote address).
func (s *Service) Login(ctx context.Context, username, password, client string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, apperr.Validation("credentials", "username and password are required")
	}
	logger := common.WithContext(ctx, s.logger).With().Str("username", username).Str("client", client).Logger()

	// Lockout comes first so every attempt of a blocked client reaches Admit.
	if ok, remaining := s.lockout.Admit(client); !ok {
		err := &apperr.LockedOutError{Remaining: remaining}
		if aerr := s.recordFailure(ctx, username, err); aerr != nil {
			return Session{}, aerr
		}
		logger.Warn().Dur("remaining", remaining).Msg("login attempt while locked out")
		return Session{}, err
	}

	if ok, retry := s.limiter.Allow(client, ratelimit.ClassLogin); !ok {
		err := &apperr.RateLimitedError{Class: string(ratelimit.ClassLogin), RetryAfter: retry}
		if aerr := s.recordFailure(ctx, username, err); aerr != nil {
			return Session{}, aerr
		}
		logger.Warn().Dur("retry_after", retry).Msg("login rate limited")
		return Session{}, err
	}

	id, err := s.checker.CheckCredentials(ctx, username, password)
	if err != nil {
		if !errors.Is(err, apperr.ErrUnauthenticated) {
			err = apperr.Persistence("check credentials", err)
			if aerr := s.recordFailure(ctx, username, err); aerr != nil {
				return Session{}, aerr
			}
			return Session{}, err
		}
		blocked, remaining := s.lockout.RecordFailure(client)
		if blocked {
			err = &apperr.LockedOutError{Remaining: remaining}
		}
		if aerr := s.recordFailure(ctx, username, err); aerr != nil {
			return Session{}, aerr
		}
		logger.Info().Int("failures", s.lockout.Failures(client)).Bool("locked", blocked).Msg("login failed")
		return Session{}, err
	}

	token, exp, err := s.tokens.Issue(id)
	if err != nil {
		return Session{}, err
	}
	_, err = s.audit.Record(ctx, audit.Entry{
		ActorID:      id.UserID,
		ActorName:    id.Username,
		Action:       audit.ActionLoginSuccess,
		ResourceType: resourceUser,
		ResourceID:   id.UserID,
		After:        map[string]any{"role": string(id.Role)},
		Success:      true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("login refused, audit write failed")
		return Session{}, err
	}
	s.lockout.RecordSuccess(client)
	logger.Info().Str("role", string(id.Role)).Msg("login succeeded")
	return Session{Token: token, ExpiresAt: exp, Identity: id}, nil
}

func (s *Service) recordFailure(ctx context.Context, username string, cause error) error {
	_, err := s.audit.Record(ctx, audit.Entry{
		ActorName:    username,
		Action:       audit.ActionLoginFailed,
		ResourceType: resourceUser,
		ResourceID:   username,
		Success:      false,
		Error:        cause.Error(),
	})
	return err
}
