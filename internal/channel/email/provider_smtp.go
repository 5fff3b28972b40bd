package email

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/example/campaign-service/internal/channel"
)

// SMTPSender delivers through a plain SMTP relay with PLAIN auth.
type SMTPSender struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (p *SMTPSender) Name() string { return "smtp" }

func (p *SMTPSender) Send(ctx context.Context, msg channel.Outgoing) (string, error) {
	if err := validateAddress(msg.Address); err != nil {
		return "", err
	}
	id := messageID(p.FromEmail)
	raw, err := p.compose(id, msg)
	if err != nil {
		return "", err
	}

	var auth smtp.Auth
	if p.Username != "" {
		auth = smtp.PlainAuth("", p.Username, p.Password, p.Host)
	}
	send := p.send
	if send == nil {
		send = smtp.SendMail
	}
	addr := net.JoinHostPort(p.Host, fmt.Sprint(p.Port))

	done := make(chan error, 1)
	go func() { done <- send(addr, auth, p.FromEmail, []string{msg.Address}, raw) }()
	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send: %w", err)
		}
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *SMTPSender) compose(id string, msg channel.Outgoing) ([]byte, error) {
	from := mail.Address{Name: p.FromName, Address: p.FromEmail}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", msg.Address)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", id)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if msg.Attachment == nil {
		fmt.Fprintf(&buf, "Content-Type: %s; charset=utf-8\r\n\r\n", contentType(msg.Body))
		buf.WriteString(msg.Body)
		return buf.Bytes(), nil
	}

	boundary := randomHex(12)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&buf, "--%s\r\nContent-Type: %s; charset=utf-8\r\n\r\n%s\r\n", boundary, contentType(msg.Body), msg.Body)

	a := msg.Attachment
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	fmt.Fprintf(&buf, "--%s\r\nContent-Type: %s\r\nContent-Transfer-Encoding: base64\r\n", boundary, ct)
	fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n", a.Filename)
	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76] + "\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded + "\r\n")
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}

func validateAddress(addr string) error {
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("invalid email address %q: %w", addr, err)
	}
	return nil
}

func contentType(body string) string {
	trimmed := strings.TrimSpace(strings.ToLower(body))
	if strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, "</") {
		return "text/html"
	}
	return "text/plain"
}

func messageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", randomHex(16), domain)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
