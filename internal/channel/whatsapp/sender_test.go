package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/campaign-service/internal/channel"
)

func TestFormatNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"(11) 98765-4321", "5511987654321@s.whatsapp.net"},
		{"1187654321", "551187654321@s.whatsapp.net"},
		{"01187654321", "551187654321@s.whatsapp.net"},
		{"+55 11 98765-4321", "5511987654321@s.whatsapp.net"},
	}
	for _, tc := range cases {
		got, err := FormatNumber(tc.in)
		if err != nil {
			t.Fatalf("format %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("format %q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
	if _, err := FormatNumber("12-34"); err == nil {
		t.Fatalf("expected error for short number")
	}
}

func TestSenderSendText(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/main" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "secret" {
			t.Fatalf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"wa-1"}}`))
	}))
	defer srv.Close()

	s := &Sender{Endpoint: srv.URL, APIKey: "secret", Instance: "main"}
	id, err := s.Send(context.Background(), channel.Outgoing{Address: "11987654321", Body: "Oi Ana"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "wa-1" {
		t.Fatalf("expected wa-1, got %q", id)
	}
	if payload["number"] != "5511987654321@s.whatsapp.net" || payload["text"] != "Oi Ana" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSenderSendMediaAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/message/sendMedia/main":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"key":{"id":"wa-2"}}`))
		default:
			http.Error(w, "instance closed", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	s := &Sender{Endpoint: srv.URL, Instance: "main"}
	id, err := s.Send(context.Background(), channel.Outgoing{
		Address:    "11987654321",
		Body:       "boleto",
		Attachment: &channel.Attachment{Filename: "b.pdf", Data: []byte("%PDF")},
	})
	if err != nil || id != "wa-2" {
		t.Fatalf("expected wa-2, got %q, %v", id, err)
	}

	_, err = s.Send(context.Background(), channel.Outgoing{Address: "11987654321", Body: "x"})
	var se *channel.StatusError
	if !errors.As(err, &se) || !se.Temporary() {
		t.Fatalf("expected temporary status error, got %v", err)
	}
}

func TestSenderConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instance":{"state":"open"}}`))
	}))
	defer srv.Close()

	ok, err := (&Sender{Endpoint: srv.URL, Instance: "main"}).Connected(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected open connection, got %v %v", ok, err)
	}
}
