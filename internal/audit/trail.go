package audit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/common"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	SystemActor     = "system"
)

var writeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "audit_writes_total",
	Help: "Audit entries written, by action and outcome",
}, []string{"action", "result"})

// Trail is the append-only audit log. Writes are serialized so entry order, IDs and
// timestamps agree with each other.
type Trail struct {
	store  Store
	logger zerolog.Logger
	clock  func() time.Time

	mu sync.Mutex
}

func NewTrail(store Store, logger zerolog.Logger) *Trail {
	return &Trail{store: store, logger: logger, clock: time.Now}
}

func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Record appends e synchronously. A store failure is returned as a PersistenceError;
// the entry is never dropped silently.
func (t *Trail) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.Action == "" {
		return Entry{}, apperr.Validation("action", "is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return Entry{}, apperr.Validation("resource_type", "is required")
	}
	if o, ok := FromContext(ctx); ok {
		applyOrigin(&e, o)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e.ID = 0
	e.CreatedAt = t.clock().UTC()
	saved, err := t.store.AppendAuditEntry(ctx, e)
	if err != nil {
		writeCounter.WithLabelValues(string(e.Action), "error").Inc()
		return Entry{}, apperr.Persistence("append audit entry", err)
	}
	writeCounter.WithLabelValues(string(e.Action), "ok").Inc()
	return saved, nil
}

// RecordOrLog is the policy for non-critical actions: the failure is logged locally and
// the caller continues.
func (t *Trail) RecordOrLog(ctx context.Context, e Entry) {
	if _, err := t.Record(ctx, e); err != nil {
		logger := common.WithContext(ctx, t.logger)
		logger.Error().Err(err).
			Str("action", string(e.Action)).
			Str("resource_type", e.ResourceType).
			Str("resource_id", e.ResourceID).
			Bool("success", e.Success).
			Msg("audit write failed, continuing")
	}
}

func (t *Trail) Get(ctx context.Context, id int64) (Entry, error) {
	e, err := t.store.GetAuditEntry(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return Entry{}, err
		}
		return Entry{}, apperr.Persistence("get audit entry", err)
	}
	return e, nil
}

type Page struct {
	Size  int
	Token string
}

type Result struct {
	Entries   []Entry `json:"entries"`
	NextToken string  `json:"next_token,omitempty"`
	Total     int     `json:"total"`
}

// Query returns one page of matching entries, newest first. The page token is opaque to callers.
func (t *Trail) Query(ctx context.Context, f Filter, p Page) (Result, error) {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return Result{}, apperr.Validation("from", "must not be after to")
	}
	size := p.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	var before int64
	if tok := strings.TrimSpace(p.Token); tok != "" {
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil || v <= 0 {
			return Result{}, apperr.Validation("page_token", "is invalid")
		}
		before = v
	}

	entries, err := t.store.ListAuditEntries(ctx, f, before, size+1)
	if err != nil {
		return Result{}, apperr.Persistence("list audit entries", err)
	}
	total, err := t.store.CountAuditEntries(ctx, f)
	if err != nil {
		return Result{}, apperr.Persistence("count audit entries", err)
	}

	res := Result{Entries: entries, Total: total}
	if len(entries) > size {
		res.Entries = entries[:size]
		res.NextToken = strconv.FormatInt(res.Entries[size-1].ID, 10)
	}
	return res, nil
}

func (t *Trail) Count(ctx context.Context, f Filter) (int, error) {
	n, err := t.store.CountAuditEntries(ctx, f)
	if err != nil {
		return 0, apperr.Persistence("count audit entries", err)
	}
	return n, nil
}

func (t *Trail) TopActions(ctx context.Context, f Filter, n int) ([]Bucket, error) {
	return t.top(ctx, f, ByAction, n)
}

func (t *Trail) TopActors(ctx context.Context, f Filter, n int) ([]Bucket, error) {
	buckets, err := t.top(ctx, f, ByActor, n)
	if err != nil {
		return nil, err
	}
	for i := range buckets {
		if buckets[i].Key == "" {
			buckets[i].Key = SystemActor
		}
	}
	return buckets, nil
}

func (t *Trail) TopResources(ctx context.Context, f Filter, n int) ([]Bucket, error) {
	return t.top(ctx, f, ByResourceType, n)
}

func (t *Trail) top(ctx context.Context, f Filter, dim Dimension, n int) ([]Bucket, error) {
	if n <= 0 {
		n = 10
	}
	buckets, err := t.store.CountAuditBy(ctx, f, dim, n)
	if err != nil {
		return nil, apperr.Persistence("aggregate audit entries", err)
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
	if len(buckets) > n {
		buckets = buckets[:n]
	}
	return buckets, nil
}

// Histogram covers whole UTC days in [From, To).
type Histogram struct {
	From time.Time  `json:"from"`
	To   time.Time  `json:"to"`
	Days []DayCount `json:"days"`
}

func (h Histogram) Sum() int {
	total := 0
	for _, d := range h.Days {
		total += d.Count
	}
	return total
}

// Window returns the range of the trailing days ending with today.
func (t *Trail) Window(days int) (time.Time, time.Time) {
	if days <= 0 {
		days = 7
	}
	today := startOfDay(t.clock())
	return today.AddDate(0, 0, -(days - 1)), today.AddDate(0, 0, 1)
}

// DailyHistogram counts entries per day over the trailing window. Days without entries are present with zero.
func (t *Trail) DailyHistogram(ctx context.Context, days int) (Histogram, error) {
	from, to := t.Window(days)
	return t.histogram(ctx, Filter{From: &from, To: &to})
}

func (t *Trail) histogram(ctx context.Context, f Filter) (Histogram, error) {
	if f.From == nil || f.To == nil {
		return Histogram{}, errors.New("histogram requires a bounded range")
	}
	counts, err := t.store.CountAuditByDay(ctx, f)
	if err != nil {
		return Histogram{}, apperr.Persistence("aggregate audit entries by day", err)
	}
	byDay := make(map[time.Time]int, len(counts))
	for _, c := range counts {
		byDay[startOfDay(c.Day)] += c.Count
	}
	h := Histogram{From: *f.From, To: *f.To}
	for d := startOfDay(*f.From); d.Before(*f.To); d = d.AddDate(0, 0, 1) {
		h.Days = append(h.Days, DayCount{Day: d, Count: byDay[d]})
	}
	return h, nil
}

type Summary struct {
	PeriodDays   int        `json:"period_days"`
	From         time.Time  `json:"from"`
	To           time.Time  `json:"to"`
	Total        int        `json:"total"`
	Successful   int        `json:"successful"`
	Failed       int        `json:"failed"`
	SuccessRate  float64    `json:"success_rate"`
	TopActors    []Bucket   `json:"top_actors"`
	TopActions   []Bucket   `json:"top_actions"`
	TopResources []Bucket   `json:"top_resources"`
	Daily        []DayCount `json:"daily"`
}

// Summary aggregates the trailing window of days. Every figure is computed over the same range.
func (t *Trail) Summary(ctx context.Context, days, topN int) (Summary, error) {
	if days <= 0 {
		days = 30
	}
	from, to := t.Window(days)
	f := Filter{From: &from, To: &to}

	total, err := t.Count(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	ok := true
	successFilter := f
	successFilter.Success = &ok
	successful, err := t.Count(ctx, successFilter)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{PeriodDays: days, From: from, To: to, Total: total, Successful: successful, Failed: total - successful}
	if total > 0 {
		s.SuccessRate = decimal.NewFromInt(int64(successful)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(total))).
			Round(2).
			InexactFloat64()
	}
	if s.TopActors, err = t.TopActors(ctx, f, topN); err != nil {
		return Summary{}, err
	}
	if s.TopActions, err = t.TopActions(ctx, f, topN); err != nil {
		return Summary{}, err
	}
	if s.TopResources, err = t.TopResources(ctx, f, topN); err != nil {
		return Summary{}, err
	}
	h, err := t.histogram(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	s.Daily = h.Days
	return s, nil
}

func applyOrigin(e *Entry, o Origin) {
	if e.ActorID == "" {
		e.ActorID = o.ActorID
	}
	if e.ActorName == "" {
		e.ActorName = o.ActorName
	}
	if e.RemoteAddr == "" {
		e.RemoteAddr = o.RemoteAddr
	}
	if e.UserAgent == "" {
		e.UserAgent = o.UserAgent
	}
	if e.Endpoint == "" {
		e.Endpoint = o.Endpoint
	}
	if e.Method == "" {
		e.Method = o.Method
	}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
