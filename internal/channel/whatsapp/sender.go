package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/campaign-service/internal/channel"
)

const jidSuffix = "@s.whatsapp.net"

// Sender talks to an Evolution-style WhatsApp gateway bound to a single instance.
type Sender struct {
	Endpoint string
	APIKey   string
	Instance string
	Client   *http.Client
}

func (s *Sender) Name() string { return "evolution" }

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (s *Sender) Send(ctx context.Context, msg channel.Outgoing) (string, error) {
	number, err := FormatNumber(msg.Address)
	if err != nil {
		return "", err
	}
	path := "/message/sendText/" + s.Instance
	payload := map[string]any{"number": number, "text": msg.Body}
	if a := msg.Attachment; a != nil {
		path = "/message/sendMedia/" + s.Instance
		payload = map[string]any{
			"number":   number,
			"media":    base64.StdEncoding.EncodeToString(a.Data),
			"fileName": a.Filename,
			"caption":  msg.Body,
		}
	}

	resp, err := s.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &channel.StatusError{Provider: s.Name(), Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if out.Key.ID == "" {
		return "", errors.New("gateway accepted the message without an id")
	}
	return out.Key.ID, nil
}

// Connected reports whether the gateway instance session is open.
func (s *Sender) Connected(ctx context.Context) (bool, error) {
	resp, err := s.do(ctx, http.MethodGet, "/instance/connectionState/"+s.Instance, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var state struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return false, fmt.Errorf("decode connection state: %w", err)
	}
	return state.Instance.State == "open", nil
}

func (s *Sender) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.Endpoint, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.APIKey)

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return client.Do(req)
}

// FormatNumber normalizes a phone number to a WhatsApp JID, assuming Brazil (55) when
// no country code is present.
func FormatNumber(phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 8 {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}
	switch {
	case len(digits) == 11 && digits[0] == '0':
		digits = "55" + digits[1:]
	case len(digits) == 10:
		digits = "55" + digits
	case !strings.HasPrefix(digits, "55"):
		digits = "55" + digits
	}
	return digits + jidSuffix, nil
}
