package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/example/campaign-service/internal/channel"
)

func TestAPISenderSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mail/send" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := &APISender{Endpoint: srv.URL, APIKey: "key", FromEmail: "noreply@example.com", FromName: "Example"}
	id, err := p.Send(context.Background(), channel.Outgoing{
		Address:    "ana@example.com",
		Subject:    "Hi",
		Body:       "<p>Hello</p>",
		Attachment: &channel.Attachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("x")},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "sg-123" {
		t.Fatalf("expected provider id sg-123, got %q", id)
	}
	if got["subject"] != "Hi" {
		t.Fatalf("unexpected payload %v", got)
	}
	content := got["content"].([]any)[0].(map[string]any)
	if content["type"] != "text/html" {
		t.Fatalf("expected html content, got %v", content["type"])
	}
	if _, ok := got["attachments"]; !ok {
		t.Fatalf("expected attachments in payload")
	}
}

func TestAPISenderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad sender", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := &APISender{Endpoint: srv.URL, FromEmail: "noreply@example.com"}
	_, err := p.Send(context.Background(), channel.Outgoing{Address: "ana@example.com", Body: "x"})
	var se *channel.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest || se.Temporary() {
		t.Fatalf("expected permanent status error, got %v", err)
	}

	if _, err := p.Send(context.Background(), channel.Outgoing{Address: "not-an-address", Body: "x"}); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestSMTPSenderComposesMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	p := &SMTPSender{
		Host:      "smtp.example.com",
		Port:      587,
		Username:  "user",
		Password:  "pass",
		FromEmail: "noreply@example.com",
		FromName:  "Example",
		send: func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
			gotAddr, gotTo, gotMsg = addr, to, string(msg)
			return nil
		},
	}
	id, err := p.Send(context.Background(), channel.Outgoing{
		Address:    "ana@example.com",
		Subject:    "Welcome",
		Body:       "Hello Ana",
		Attachment: &channel.Attachment{Filename: "report.pdf", Data: []byte("pdf")},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasSuffix(id, "@example.com>") {
		t.Fatalf("unexpected message id %q", id)
	}
	if gotAddr != "smtp.example.com:587" || len(gotTo) != 1 || gotTo[0] != "ana@example.com" {
		t.Fatalf("unexpected envelope %s %v", gotAddr, gotTo)
	}
	for _, want := range []string{"Subject: Welcome", "multipart/mixed", `filename="report.pdf"`, "Hello Ana", "Message-ID: " + id} {
		if !strings.Contains(gotMsg, want) {
			t.Fatalf("message missing %q:\n%s", want, gotMsg)
		}
	}
}

func TestSMTPSenderFailure(t *testing.T) {
	p := &SMTPSender{
		Host:      "smtp.example.com",
		Port:      25,
		FromEmail: "noreply@example.com",
		send: func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("550 mailbox unavailable")
		},
	}
	_, err := p.Send(context.Background(), channel.Outgoing{Address: "ana@example.com", Body: "x"})
	if err == nil || !strings.Contains(err.Error(), "550") {
		t.Fatalf("expected relay error, got %v", err)
	}
}
