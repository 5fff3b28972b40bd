package audit_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTrail(now time.Time) (*audit.Trail, *memory.Store, *clock) {
	store := memory.New()
	clk := &clock{now: now}
	return audit.NewTrail(store, zerolog.Nop()).WithClock(clk.Now), store, clk
}

func TestRecordAppliesOriginAndOrder(t *testing.T) {
	trail, _, _ := newTrail(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	ctx := audit.NewContext(context.Background(), audit.Origin{
		ActorID:    "u1",
		ActorName:  "ana",
		RemoteAddr: "10.0.0.1",
		Endpoint:   "/api/v1/campaigns",
		Method:     "POST",
	})

	first, err := trail.Record(ctx, audit.Entry{Action: audit.ActionCreate, ResourceType: "campaign", ResourceID: "c1", Success: true})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	second, _ := trail.Record(ctx, audit.Entry{Action: audit.ActionUpdate, ResourceType: "campaign", ResourceID: "c1", Success: true})
	if first.ActorID != "u1" || first.RemoteAddr != "10.0.0.1" || first.Method != "POST" {
		t.Fatalf("origin not applied: %+v", first)
	}
	if second.ID <= first.ID {
		t.Fatalf("expected increasing ids, got %d then %d", first.ID, second.ID)
	}

	if _, err := trail.Record(ctx, audit.Entry{ResourceType: "campaign"}); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for missing action, got %v", err)
	}
}

func TestRecordSurfacesStoreFailure(t *testing.T) {
	trail, store, _ := newTrail(time.Now())
	store.SetFault(func(op memory.Op, _ string) error {
		if op == memory.OpAppendAudit {
			return errors.New("disk full")
		}
		return nil
	})
	_, err := trail.Record(context.Background(), audit.Entry{Action: audit.ActionLoginFailed, ResourceType: "user"})
	if !apperr.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	// Non-critical writes only log.
	trail.RecordOrLog(context.Background(), audit.Entry{Action: audit.ActionSend, ResourceType: "message"})
}

func TestQueryPagination(t *testing.T) {
	trail, _, _ := newTrail(time.Now())
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		action := audit.ActionSend
		if i == 3 {
			action = audit.ActionCreate
		}
		if _, err := trail.Record(ctx, audit.Entry{Action: action, ResourceType: "message", Success: true}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	f := audit.Filter{Action: audit.ActionSend}
	var seen []int64
	token := ""
	for {
		res, err := trail.Query(ctx, f, audit.Page{Size: 4, Token: token})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if res.Total != 6 {
			t.Fatalf("expected total 6, got %d", res.Total)
		}
		for _, e := range res.Entries {
			seen = append(seen, e.ID)
		}
		if res.NextToken == "" {
			break
		}
		token = res.NextToken
	}
	want := []int64{7, 6, 5, 3, 2, 1}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}

	if _, err := trail.Query(ctx, f, audit.Page{Token: "abc"}); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for bad token, got %v", err)
	}
}

func TestSummaryAndHistogramAgree(t *testing.T) {
	today := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	trail, _, clk := newTrail(today)
	ctx := context.Background()

	record := func(at time.Time, actor string, action audit.Action, ok bool) {
		clk.Set(at)
		if _, err := trail.Record(ctx, audit.Entry{ActorID: actor, Action: action, ResourceType: "campaign", Success: ok}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	record(today.AddDate(0, 0, -10), "old", audit.ActionCreate, true) // outside a 7 day window
	record(today.AddDate(0, 0, -6), "u1", audit.ActionCreate, true)
	record(today.AddDate(0, 0, -2), "u1", audit.ActionUpdate, false)
	record(today.AddDate(0, 0, -2), "u2", audit.ActionUpdate, true)
	record(today, "", audit.ActionSend, true)
	clk.Set(today)

	s, err := trail.Summary(ctx, 7, 5)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Total != 4 || s.Successful != 3 || s.Failed != 1 {
		t.Fatalf("unexpected totals %+v", s)
	}
	if s.SuccessRate != 75 {
		t.Fatalf("expected success rate 75, got %v", s.SuccessRate)
	}
	if len(s.Daily) != 7 {
		t.Fatalf("expected 7 days, got %d", len(s.Daily))
	}
	sum := 0
	for _, d := range s.Daily {
		sum += d.Count
	}
	if sum != s.Total {
		t.Fatalf("histogram sums to %d, total is %d", sum, s.Total)
	}
	if s.TopActors[0].Key != "u1" || s.TopActors[0].Count != 2 {
		t.Fatalf("unexpected top actors %+v", s.TopActors)
	}
	foundSystem := false
	for _, b := range s.TopActors {
		if b.Key == audit.SystemActor {
			foundSystem = true
		}
	}
	if !foundSystem {
		t.Fatalf("expected blank actor reported as system: %+v", s.TopActors)
	}

	h, err := trail.DailyHistogram(ctx, 7)
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	n, _ := trail.Count(ctx, audit.Filter{From: &h.From, To: &h.To})
	if h.Sum() != n {
		t.Fatalf("histogram sum %d != range count %d", h.Sum(), n)
	}
}

func TestExportCSV(t *testing.T) {
	trail, _, _ := newTrail(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := trail.Record(ctx, audit.Entry{
			Action: audit.ActionUpdate, ResourceType: "campaign", ResourceID: "c1", Success: i%2 == 0,
			After: map[string]any{"n": i},
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter audit.Filter
		limit  int
		rows   int
		firstN string
	}{
		{name: "all", limit: 0, rows: 5, firstN: "5"},
		{name: "limited", limit: 3, rows: 3, firstN: "5"},
		{name: "filtered", filter: audit.Filter{Success: boolPtr(false)}, limit: 10, rows: 2, firstN: "4"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := trail.ExportCSV(ctx, &buf, tc.filter, tc.limit)
			if err != nil {
				t.Fatalf("export: %v", err)
			}
			records, err := csv.NewReader(&buf).ReadAll()
			if err != nil {
				t.Fatalf("read csv: %v", err)
			}
			if n != tc.rows || len(records) != tc.rows+1 {
				t.Fatalf("expected %d rows, got n=%d records=%d", tc.rows, n, len(records))
			}
			if records[0][0] != "id" || records[1][0] != tc.firstN {
				t.Fatalf("unexpected leading rows %v / %v", records[0], records[1])
			}
			if records[1][4] != "UPDATE" || records[1][13] != "" || records[1][14] == "" {
				t.Fatalf("unexpected row %v", records[1])
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
