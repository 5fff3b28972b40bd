package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/ratelimit"
	"github.com/example/campaign-service/internal/storage/memory"
)

const secret = "0123456789abcdef0123456789abcdef"

func hash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(h)
}

type harness struct {
	svc   *Service
	store *memory.Store
	now   time.Time
}

func newHarness(t *testing.T, loginMax int) *harness {
	t.Helper()
	users, err := NewStaticUsers([]User{
		{ID: "u1", Username: "Ana", Role: RoleOperator, PasswordHash: hash(t, "s3cret")},
	})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	h := &harness{store: memory.New(), now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	rules := ratelimit.DefaultRules()
	if loginMax > 0 {
		rules[ratelimit.ClassLogin] = ratelimit.Rule{MaxRequests: loginMax, Window: 300 * time.Second}
	}
	limiter := ratelimit.NewLimiter(rules).WithClock(clock)
	lockout := ratelimit.NewLockout(ratelimit.DefaultLockoutPolicy()).WithClock(clock)
	tokens, err := NewTokens(secret, time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	tokens.WithClock(clock)
	trail := audit.NewTrail(h.store, zerolog.Nop()).WithClock(clock)
	h.svc = NewService(users, limiter, lockout, trail, tokens, zerolog.Nop())
	return h
}

func (h *harness) count(t *testing.T, a audit.Action) int {
	t.Helper()
	n, err := h.store.CountAuditEntries(context.Background(), audit.Filter{Action: a})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestLoginSuccessIssuesVerifiableToken(t *testing.T) {
	h := newHarness(t, 100)
	s, err := h.svc.Login(context.Background(), "ana", "s3cret", "10.0.0.1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, err := h.svc.Tokens().Verify(s.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Role != RoleOperator {
		t.Fatalf("unexpected identity %+v", id)
	}
	if h.count(t, audit.ActionLoginSuccess) != 1 {
		t.Fatalf("expected one LOGIN_SUCCESS entry")
	}
}

func TestLoginLockout(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if _, err := h.svc.Login(ctx, "ana", "wrong", "c1"); !errors.Is(err, apperr.ErrUnauthenticated) {
			t.Fatalf("attempt %d: expected unauthenticated, got %v", i, err)
		}
	}
	var locked *apperr.LockedOutError
	if _, err := h.svc.Login(ctx, "ana", "wrong", "c1"); !errors.As(err, &locked) {
		t.Fatalf("fifth failure should lock, got %v", err)
	}
	// Even the right password is refused while blocked.
	if _, err := h.svc.Login(ctx, "ana", "s3cret", "c1"); !errors.As(err, &locked) {
		t.Fatalf("sixth attempt should be locked out, got %v", err)
	}
	if locked.Remaining != 30*time.Minute {
		t.Fatalf("block should restart from the latest attempt, remaining %s", locked.Remaining)
	}
	if h.count(t, audit.ActionLoginFailed) != 6 {
		t.Fatalf("expected 6 LOGIN_FAILED entries, got %d", h.count(t, audit.ActionLoginFailed))
	}

	// Other clients are unaffected.
	if _, err := h.svc.Login(ctx, "ana", "s3cret", "c2"); err != nil {
		t.Fatalf("other client: %v", err)
	}

	h.now = h.now.Add(31 * time.Minute)
	if _, err := h.svc.Login(ctx, "ana", "s3cret", "c1"); err != nil {
		t.Fatalf("login after block: %v", err)
	}
}

func TestLoginLockoutExtendsUnderDefaultRules(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = h.svc.Login(ctx, "ana", "wrong", "c1")
	}

	var locked *apperr.LockedOutError
	for _, wait := range []time.Duration{4 * time.Minute, 10 * time.Minute, 25 * time.Minute} {
		h.now = h.now.Add(wait)
		_, err := h.svc.Login(ctx, "ana", "wrong", "c1")
		if !errors.As(err, &locked) {
			t.Fatalf("retry after %s: expected lockout, got %v", wait, err)
		}
		if locked.Remaining != 30*time.Minute {
			t.Fatalf("retry after %s: block should restart from this attempt, remaining %s", wait, locked.Remaining)
		}
	}

	h.now = h.now.Add(31 * time.Minute)
	if _, err := h.svc.Login(ctx, "ana", "s3cret", "c1"); err != nil {
		t.Fatalf("login after block: %v", err)
	}
}

func TestLoginSuccessResetsFailures(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = h.svc.Login(ctx, "ana", "wrong", "c1")
	}
	if _, err := h.svc.Login(ctx, "ana", "s3cret", "c1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := h.svc.Login(ctx, "ana", "wrong", "c1"); !errors.Is(err, apperr.ErrUnauthenticated) {
			t.Fatalf("counter should have been reset, got %v", err)
		}
	}
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	_, _ = h.svc.Login(ctx, "ana", "s3cret", "c1")
	_, _ = h.svc.Login(ctx, "ana", "s3cret", "c1")
	var rl *apperr.RateLimitedError
	if _, err := h.svc.Login(ctx, "ana", "s3cret", "c1"); !errors.As(err, &rl) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if rl.RetryAfter != 300*time.Second {
		t.Fatalf("unexpected retry after %s", rl.RetryAfter)
	}
}

func TestLoginFailsWhenAuditUnavailable(t *testing.T) {
	h := newHarness(t, 100)
	h.store.SetFault(func(op memory.Op, _ string) error {
		if op == memory.OpAppendAudit {
			return errors.New("db down")
		}
		return nil
	})
	s, err := h.svc.Login(context.Background(), "ana", "s3cret", "c1")
	if !apperr.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if s.Token != "" {
		t.Fatalf("no token may be issued without an audit entry")
	}
}

func TestTokenVerification(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens, _ := NewTokens(secret, time.Hour)
	tokens.WithClock(func() time.Time { return now })
	tok, _, err := tokens.Issue(Identity{UserID: "u1", Username: "ana", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other, _ := NewTokens("another-secret-of-enough-length", time.Hour)
	if _, err := other.Verify(tok); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := tokens.Verify(tok); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected expiry failure, got %v", err)
	}
	if _, err := NewTokens("short", time.Hour); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestRoleHierarchy(t *testing.T) {
	cases := []struct {
		role Role
		min  Role
		want bool
	}{
		{RoleAdmin, RoleSupervisor, true},
		{RoleSupervisor, RoleSupervisor, true},
		{RoleOperator, RoleSupervisor, false},
		{RoleUser, RoleOperator, false},
		{Role("guest"), RoleUser, false},
	}
	for _, tc := range cases {
		if got := tc.role.AtLeast(tc.min); got != tc.want {
			t.Fatalf("%s.AtLeast(%s)=%v, expected %v", tc.role, tc.min, got, tc.want)
		}
	}
}

func TestParseUsers(t *testing.T) {
	users, err := ParseUsers(`[{"id":"u1","username":"ana","role":"admin","password_hash":"x"}]`)
	if err != nil || len(users) != 1 {
		t.Fatalf("parse: %v %v", users, err)
	}
	if _, err := NewStaticUsers(users); err == nil {
		t.Fatalf("expected invalid hash to be rejected")
	}
}
