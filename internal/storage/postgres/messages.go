package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/campaign-service/internal/apperr"
	"github.com/example/campaign-service/internal/campaign"
)

const insertMessage = `
INSERT INTO messages (id, campaign_id, recipient_key, recipient, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`

const upsertDelivery = `
INSERT INTO deliveries (message_id, channel, status, provider_message_id, sent_at, delivered_at, read_at,
failed_at, bounced_at, last_error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (message_id, channel) DO UPDATE SET
status = EXCLUDED.status,
provider_message_id = EXCLUDED.provider_message_id,
sent_at = EXCLUDED.sent_at,
delivered_at = EXCLUDED.delivered_at,
read_at = EXCLUDED.read_at,
failed_at = EXCLUDED.failed_at,
bounced_at = EXCLUDED.bounced_at,
last_error = EXCLUDED.last_error
`

const selectDeliveries = `
SELECT message_id, channel, status, provider_message_id, sent_at, delivered_at, read_at, failed_at, bounced_at,
last_error
FROM deliveries WHERE message_id = ANY($1)
`

const messageColumns = `id, campaign_id, recipient, created_at, updated_at`

func (s *Store) CreateMessage(ctx context.Context, m campaign.Message) error {
	recipient, err := json.Marshal(m.Recipient)
	if err != nil {
		return fmt.Errorf("encode recipient: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertMessage, m.ID, m.CampaignID, m.Recipient.Key, recipient, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			switch pgCode(err) {
			case codeUniqueViolation:
				return apperr.InvalidState("message", m.ID, "exists", "create")
			case codeForeignKeyViolation:
				return apperr.NotFound("campaign", m.CampaignID)
			}
			return fmt.Errorf("insert message: %w", err)
		}
		for ch, d := range m.Deliveries {
			if err := execDelivery(ctx, tx, m.ID, ch, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetMessage(ctx context.Context, id string) (campaign.Message, error) {
	return s.oneMessage(ctx, apperr.NotFound("message", id),
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
}

func (s *Store) FindMessageByRecipient(ctx context.Context, campaignID, recipientKey string) (campaign.Message, error) {
	return s.oneMessage(ctx, apperr.NotFound("message", campaignID+"/"+recipientKey),
		`SELECT `+messageColumns+` FROM messages WHERE campaign_id = $1 AND recipient_key = $2`, campaignID, recipientKey)
}

func (s *Store) FindMessageByProviderID(ctx context.Context, ch campaign.Channel, providerMessageID string) (campaign.Message, error) {
	return s.oneMessage(ctx, apperr.NotFound("message", string(ch)+"/"+providerMessageID),
		`SELECT m.id, m.campaign_id, m.recipient, m.created_at, m.updated_at
FROM messages m JOIN deliveries d ON d.message_id = m.id
WHERE d.channel = $1 AND d.provider_message_id = $2
LIMIT 1`, string(ch), providerMessageID)
}

func (s *Store) UpdateDelivery(ctx context.Context, messageID string, ch campaign.Channel, d campaign.Delivery) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE messages SET updated_at = $2 WHERE id = $1`, messageID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("touch message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("message", messageID)
		}
		return execDelivery(ctx, tx, messageID, ch, d)
	})
}

func (s *Store) ListMessages(ctx context.Context, campaignID string) ([]campaign.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE campaign_id = $1 ORDER BY recipient_key`, campaignID)
}

func (s *Store) oneMessage(ctx context.Context, notFound error, query string, args ...any) (campaign.Message, error) {
	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return campaign.Message{}, err
	}
	if len(msgs) == 0 {
		return campaign.Message{}, notFound
	}
	return msgs[0], nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]campaign.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	out := []campaign.Message{}
	index := map[string]int{}
	for rows.Next() {
		var (
			m         campaign.Message
			recipient []byte
		)
		if err := rows.Scan(&m.ID, &m.CampaignID, &recipient, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(recipient, &m.Recipient); err != nil {
			return nil, fmt.Errorf("decode recipient: %w", err)
		}
		m.Deliveries = map[campaign.Channel]campaign.Delivery{}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	drows, err := s.pool.Query(ctx, selectDeliveries, ids)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var (
			id, ch, status string
			d              campaign.Delivery
		)
		if err := drows.Scan(&id, &ch, &status, &d.ProviderMessageID, &d.SentAt, &d.DeliveredAt, &d.ReadAt,
			&d.FailedAt, &d.BouncedAt, &d.LastError); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Status = campaign.MessageStatus(status)
		out[index[id]].Deliveries[campaign.Channel(ch)] = d
	}
	if err := drows.Err(); err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	return out, nil
}

func execDelivery(ctx context.Context, tx pgx.Tx, messageID string, ch campaign.Channel, d campaign.Delivery) error {
	_, err := tx.Exec(ctx, upsertDelivery, messageID, string(ch), string(d.Status), d.ProviderMessageID,
		d.SentAt, d.DeliveredAt, d.ReadAt, d.FailedAt, d.BouncedAt, d.LastError)
	if err != nil {
		return fmt.Errorf("upsert delivery: %w", err)
	}
	return nil
}
