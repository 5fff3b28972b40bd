package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockoutCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "auth_lockouts_total",
	Help: "Client identities that crossed the failed authentication threshold",
})

type LockoutPolicy struct {
	MaxFailedAttempts int
	BlockDuration     time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxFailedAttempts: 5, BlockDuration: 30 * time.Minute}
}

type failureRecord struct {
	count       int
	lastFailure time.Time
}

// Lockout tracks failed authentication attempts per client identity.
// A record is cleared, not decremented, once BlockDuration has elapsed since its last failure.
type Lockout struct {
	mu      sync.Mutex
	policy  LockoutPolicy
	records map[string]*failureRecord
	now     func() time.Time
}

func NewLockout(policy LockoutPolicy) *Lockout {
	if policy.MaxFailedAttempts <= 0 {
		policy.MaxFailedAttempts = DefaultLockoutPolicy().MaxFailedAttempts
	}
	if policy.BlockDuration <= 0 {
		policy.BlockDuration = DefaultLockoutPolicy().BlockDuration
	}
	return &Lockout{policy: policy, records: map[string]*failureRecord{}, now: time.Now}
}

func (l *Lockout) WithClock(now func() time.Time) *Lockout {
	l.now = now
	return l
}

// Admit is called before a credential check. A blocked client's attempt counts as a fresh
// failure, so the block is extended to BlockDuration from this attempt.
func (l *Lockout) Admit(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.current(client, now)
	if rec == nil || rec.count < l.policy.MaxFailedAttempts {
		return true, 0
	}
	rec.count++
	rec.lastFailure = now
	return false, l.policy.BlockDuration
}

// RecordFailure counts a failed credential check and reports whether the client is now blocked.
func (l *Lockout) RecordFailure(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.current(client, now)
	if rec == nil {
		rec = &failureRecord{}
		l.records[client] = rec
	}
	rec.count++
	rec.lastFailure = now
	if rec.count == l.policy.MaxFailedAttempts {
		lockoutCounter.Inc()
	}
	if rec.count >= l.policy.MaxFailedAttempts {
		return true, l.policy.BlockDuration
	}
	return false, 0
}

// RecordSuccess clears the counter and any block.
func (l *Lockout) RecordSuccess(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, client)
}

// Failures reports the live failure count for client.
func (l *Lockout) Failures(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec := l.current(client, l.now()); rec != nil {
		return rec.count
	}
	return 0
}

// Remaining reports the block time left without counting as an attempt.
func (l *Lockout) Remaining(client string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	rec := l.current(client, now)
	if rec == nil || rec.count < l.policy.MaxFailedAttempts {
		return 0
	}
	return rec.lastFailure.Add(l.policy.BlockDuration).Sub(now)
}

func (l *Lockout) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for client, rec := range l.records {
		if l.expired(rec, now) {
			delete(l.records, client)
			removed++
		}
	}
	return removed
}

// current returns the live record for client, clearing it first if it expired.
func (l *Lockout) current(client string, now time.Time) *failureRecord {
	rec, ok := l.records[client]
	if !ok {
		return nil
	}
	if l.expired(rec, now) {
		delete(l.records, client)
		return nil
	}
	return rec
}

func (l *Lockout) expired(rec *failureRecord, now time.Time) bool {
	return !now.Before(rec.lastFailure.Add(l.policy.BlockDuration))
}
