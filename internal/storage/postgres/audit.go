package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/audit"
)

const auditColumns = `id, actor_id, actor_name, action, resource_type, resource_id, before_state, after_state, success,
error, remote_addr, user_agent, endpoint, method, created_at`

const insertAudit = `
INSERT INTO audit_log (actor_id, actor_name, action, resource_type, resource_id, before_state, after_state, success,
error, remote_addr, user_agent, endpoint, method, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id
`

var dimensionColumns = map[audit.Dimension]string{
	audit.ByAction:       "action",
	audit.ByActor:        "actor_id",
	audit.ByResourceType: "resource_type",
}

func (s *Store) AppendAuditEntry(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	before, err := encodeState(e.Before)
	if err != nil {
		return audit.Entry{}, err
	}
	after, err := encodeState(e.After)
	if err != nil {
		return audit.Entry{}, err
	}
	err = s.pool.QueryRow(ctx, insertAudit,
		e.ActorID, e.ActorName, string(e.Action), e.ResourceType, e.ResourceID, before, after, e.Success,
		e.Error, e.RemoteAddr, e.UserAgent, e.Endpoint, e.Method, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return e, nil
}

func (s *Store) GetAuditEntry(ctx context.Context, id int64) (audit.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = $1`, id)
	e, err := scanAudit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Entry{}, apperr.NotFound("audit_entry", strconv.FormatInt(id, 10))
		}
		return audit.Entry{}, fmt.Errorf("select audit entry: %w", err)
	}
	return e, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, f audit.Filter, beforeID int64, limit int) ([]audit.Entry, error) {
	where, args := auditWhere(f)
	if beforeID > 0 {
		args = append(args, beforeID)
		where = appendCond(where, fmt.Sprintf("id < $%d", len(args)))
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log` + where + ` ORDER BY id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountAuditEntries(ctx context.Context, f audit.Filter) (int, error) {
	where, args := auditWhere(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM audit_log`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

func (s *Store) CountAuditBy(ctx context.Context, f audit.Filter, dim audit.Dimension, limit int) ([]audit.Bucket, error) {
	col, ok := dimensionColumns[dim]
	if !ok {
		return nil, apperr.Validation("dimension", string(dim)+" is not supported")
	}
	where, args := auditWhere(f)
	query := `SELECT ` + col + `, count(*) AS n FROM audit_log` + where + ` GROUP BY ` + col + ` ORDER BY n DESC, ` + col
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate audit entries: %w", err)
	}
	defer rows.Close()

	out := []audit.Bucket{}
	for rows.Next() {
		var b audit.Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CountAuditByDay(ctx context.Context, f audit.Filter) ([]audit.DayCount, error) {
	where, args := auditWhere(f)
	query := `SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, count(*) FROM audit_log` + where +
		` GROUP BY day ORDER BY day`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate audit entries by day: %w", err)
	}
	defer rows.Close()

	out := []audit.DayCount{}
	for rows.Next() {
		var d audit.DayCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		d.Day = d.Day.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// auditWhere renders f as a WHERE clause with positional arguments starting at $1.
func auditWhere(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func appendCond(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

func encodeState(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode audit state: %w", err)
	}
	return b, nil
}

func scanAudit(row pgx.Row) (audit.Entry, error) {
	var (
		e             audit.Entry
		action        string
		before, after []byte
	)
	err := row.Scan(&e.ID, &e.ActorID, &e.ActorName, &action, &e.ResourceType, &e.ResourceID, &before, &after,
		&e.Success, &e.Error, &e.RemoteAddr, &e.UserAgent, &e.Endpoint, &e.Method, &e.CreatedAt)
	if err != nil {
		return audit.Entry{}, err
	}
	e.Action = audit.Action(action)
	if len(before) > 0 {
		if err := json.Unmarshal(before, &e.Before); err != nil {
			return audit.Entry{}, fmt.Errorf("decode before state: %w", err)
		}
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &e.After); err != nil {
			return audit.Entry{}, fmt.Errorf("decode after state: %w", err)
		}
	}
	return e, nil
}
