package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/campaign-service/internal/channel"
)

// APISender delivers through a SendGrid-style HTTP mail API.
type APISender struct {
	Endpoint  string
	APIKey    string
	FromEmail string
	FromName  string
	Client    *http.Client
}

func (p *APISender) Name() string { return "sendgrid" }

func (p *APISender) Send(ctx context.Context, msg channel.Outgoing) (string, error) {
	if err := validateAddress(msg.Address); err != nil {
		return "", err
	}
	payload := map[string]any{
		"personalizations": []any{map[string]any{"to": []any{map[string]string{"email": msg.Address}}}},
		"from":             map[string]string{"email": p.FromEmail, "name": p.FromName},
		"subject":          msg.Subject,
		"content":          []any{map[string]string{"type": contentType(msg.Body), "value": msg.Body}},
	}
	if a := msg.Attachment; a != nil {
		payload["attachments"] = []any{map[string]string{
			"content":  base64.StdEncoding.EncodeToString(a.Data),
			"filename": a.Filename,
			"type":     a.ContentType,
		}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &channel.StatusError{Provider: p.Name(), Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	id := resp.Header.Get("X-Message-Id")
	if id == "" {
		return "", fmt.Errorf("%s accepted the message without an id", p.Name())
	}
	return id, nil
}
