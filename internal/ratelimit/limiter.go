package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/murmur3"
)

// Class groups operations that share a request budget.
type Class string

const (
	ClassLogin    Class = "login"
	ClassAPI      Class = "api"
	ClassBulkSend Class = "bulk_send"
)

type Rule struct {
	MaxRequests int
	Window      time.Duration
}

func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassLogin:    {MaxRequests: 5, Window: 300 * time.Second},
		ClassAPI:      {MaxRequests: 100, Window: 60 * time.Second},
		ClassBulkSend: {MaxRequests: 3, Window: time.Hour},
	}
}

var deniedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ratelimit_denied_total",
	Help: "Requests denied by the sliding window limiter",
}, []string{"class"})

const shardCount = 32

type windowKey struct {
	client string
	class  Class
}

type shard struct {
	mu      sync.Mutex
	windows map[windowKey][]time.Time
}

// Limiter is a sliding-window request counter keyed by (client, class).
// State is sharded by key hash so concurrent callers on different keys do not contend.
type Limiter struct {
	rules  map[Class]Rule
	shards [shardCount]*shard
	now    func() time.Time
}

func NewLimiter(rules map[Class]Rule) *Limiter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	l := &Limiter{rules: rules, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: map[windowKey][]time.Time{}}
	}
	return l
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Rule returns the rule for class; unknown classes fall back to the api rule.
func (l *Limiter) Rule(class Class) Rule {
	if r, ok := l.rules[class]; ok {
		return r
	}
	if r, ok := l.rules[ClassAPI]; ok {
		return r
	}
	return DefaultRules()[ClassAPI]
}

// Allow records the request when the budget permits it. When denied, retryAfter is the
// time until the oldest retained timestamp leaves the window.
func (l *Limiter) Allow(client string, class Class) (bool, time.Duration) {
	rule := l.Rule(class)
	key := windowKey{client: client, class: class}
	sh := l.shardFor(key)
	now := l.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	kept := prune(sh.windows[key], now.Add(-rule.Window))
	if len(kept) >= rule.MaxRequests {
		sh.windows[key] = kept
		deniedCounter.WithLabelValues(string(class)).Inc()
		retry := rule.Window
		if len(kept) > 0 {
			retry = kept[0].Add(rule.Window).Sub(now)
		}
		return false, retry
	}
	sh.windows[key] = append(kept, now)
	return true, 0
}

// Sweep drops windows whose timestamps have all expired.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, ts := range sh.windows {
			kept := prune(ts, now.Add(-l.Rule(key.class).Window))
			if len(kept) == 0 {
				delete(sh.windows, key)
				removed++
				continue
			}
			sh.windows[key] = kept
		}
		sh.mu.Unlock()
	}
	return removed
}

func (l *Limiter) shardFor(key windowKey) *shard {
	h := murmur3.Sum32([]byte(key.client + "\x00" + string(key.class)))
	return l.shards[h%shardCount]
}

// prune keeps timestamps strictly after cutoff. Timestamps are appended in order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}
