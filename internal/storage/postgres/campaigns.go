package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/campaign"
	"github.com/example/campaign-service/internal/template"
)

const campaignColumns = `id, name, description, type, status, criteria, templates, scheduled_at, started_at,
completed_at, created_by, total_recipients, created_at, updated_at`

const insertCampaign = `
INSERT INTO campaigns (` + campaignColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`

const insertCounters = `
INSERT INTO campaign_counters (campaign_id, channel) VALUES ($1, $2)
ON CONFLICT (campaign_id, channel) DO NOTHING
`

// Counters are deliberately absent: they only change through IncrementCounters.
const updateCampaign = `
UPDATE campaigns SET
name = $2,
description = $3,
status = $4,
criteria = $5,
templates = $6,
scheduled_at = $7,
started_at = $8,
completed_at = $9,
total_recipients = $10,
updated_at = $11
WHERE id = $1 AND status = $12
`

const upsertCounters = `
INSERT INTO campaign_counters AS c (campaign_id, channel, sent, delivered, read, failed, bounced)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (campaign_id, channel) DO UPDATE SET
sent = c.sent + EXCLUDED.sent,
delivered = c.delivered + EXCLUDED.delivered,
read = c.read + EXCLUDED.read,
failed = c.failed + EXCLUDED.failed,
bounced = c.bounced + EXCLUDED.bounced
`

func (s *Store) CreateCampaign(ctx context.Context, c campaign.Campaign) error {
	criteria, templates, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertCampaign,
			c.ID, c.Name, c.Description, string(c.Type), string(c.Status), criteria, templates,
			c.ScheduledAt, c.StartedAt, c.CompletedAt, c.CreatedBy, c.TotalRecipients, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			if pgCode(err) == codeUniqueViolation {
				return apperr.InvalidState("campaign", c.ID, "exists", "create")
			}
			return fmt.Errorf("insert campaign: %w", err)
		}
		for _, ch := range c.Type.Channels() {
			if _, err := tx.Exec(ctx, insertCounters, c.ID, string(ch)); err != nil {
				return fmt.Errorf("insert counters: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.Campaign{}, apperr.NotFound("campaign", id)
		}
		return campaign.Campaign{}, fmt.Errorf("select campaign: %w", err)
	}
	counters, err := s.loadCounters(ctx, []string{id})
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Counters = counters[id]
	return c, nil
}

func (s *Store) UpdateCampaign(ctx context.Context, c campaign.Campaign, expected campaign.Status) error {
	criteria, templates, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, updateCampaign,
		c.ID, c.Name, c.Description, string(c.Status), criteria, templates,
		c.ScheduledAt, c.StartedAt, c.CompletedAt, c.TotalRecipients, c.UpdatedAt, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, c.ID, "update")
}

func (s *Store) ListCampaigns(ctx context.Context, f campaign.ListFilter) ([]campaign.Campaign, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where + ` ORDER BY created_at DESC, id`
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	out, err := s.queryCampaigns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) IncrementCounters(ctx context.Context, id string, ch campaign.Channel, delta campaign.Counters) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR SHARE`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("campaign", id)
			}
			return fmt.Errorf("lock campaign: %w", err)
		}
		if campaign.Status(status) != campaign.StatusRunning {
			return apperr.InvalidState("campaign", id, status, "increment counters")
		}
		_, err = tx.Exec(ctx, upsertCounters, id, string(ch),
			delta.Sent, delta.Delivered, delta.Read, delta.Failed, delta.Bounced)
		if err != nil {
			return fmt.Errorf("increment counters: %w", err)
		}
		return nil
	})
}

func (s *Store) DueCampaigns(ctx context.Context, now time.Time) ([]campaign.Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 AND scheduled_at <= $2 ORDER BY scheduled_at`,
		string(campaign.StatusScheduled), now)
}

func (s *Store) queryCampaigns(ctx context.Context, query string, args ...any) ([]campaign.Campaign, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select campaigns: %w", err)
	}
	defer rows.Close()

	var (
		out []campaign.Campaign
		ids []string
	)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select campaigns: %w", err)
	}
	if len(ids) == 0 {
		return []campaign.Campaign{}, nil
	}
	counters, err := s.loadCounters(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Counters = counters[out[i].ID]
	}
	return out, nil
}

func (s *Store) loadCounters(ctx context.Context, ids []string) (map[string]map[campaign.Channel]campaign.Counters, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT campaign_id, channel, sent, delivered, read, failed, bounced FROM campaign_counters WHERE campaign_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[campaign.Channel]campaign.Counters, len(ids))
	for _, id := range ids {
		out[id] = map[campaign.Channel]campaign.Counters{}
	}
	for rows.Next() {
		var (
			id, ch string
			c      campaign.Counters
		)
		if err := rows.Scan(&id, &ch, &c.Sent, &c.Delivered, &c.Read, &c.Failed, &c.Bounced); err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		out[id][campaign.Channel(ch)] = c
	}
	return out, rows.Err()
}

// explainMiss turns a conditional write that matched no row into NotFound or InvalidState.
func (s *Store) explainMiss(ctx context.Context, id, op string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("campaign", id)
	}
	if err != nil {
		return fmt.Errorf("select campaign status: %w", err)
	}
	return apperr.InvalidState("campaign", id, status, op)
}

func encodeCampaign(c campaign.Campaign) ([]byte, []byte, error) {
	var criteria []byte
	if len(c.Criteria) > 0 {
		criteria = c.Criteria
	}
	tpls := c.Templates
	if tpls == nil {
		tpls = map[campaign.Channel]template.Template{}
	}
	templates, err := json.Marshal(tpls)
	if err != nil {
		return nil, nil, fmt.Errorf("encode templates: %w", err)
	}
	return criteria, templates, nil
}

func scanCampaign(row pgx.Row) (campaign.Campaign, error) {
	var (
		c                 campaign.Campaign
		typ, status       string
		criteria, tplJSON []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.Description, &typ, &status, &criteria, &tplJSON,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedBy, &c.TotalRecipients, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Type = campaign.Type(typ)
	c.Status = campaign.Status(status)
	if len(criteria) > 0 {
		c.Criteria = criteria
	}
	if len(tplJSON) > 0 {
		if err := json.Unmarshal(tplJSON, &c.Templates); err != nil {
			return campaign.Campaign{}, fmt.Errorf("decode templates: %w", err)
		}
	}
	return c, nil
}
