package channel

import (
	"context"
	"fmt"
	"net/http"
)

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outgoing is one rendered message for one address.
type Outgoing struct {
	Address    string
	Subject    string
	Body       string
	Attachment *Attachment
}

// Sender delivers a message through one channel and returns the provider's message id.
// Implementations never retry; every error is final for the recipient.
type Sender interface {
	Send(ctx context.Context, msg Outgoing) (string, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s responded %d %s", e.Provider, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s responded %d %s: %s", e.Provider, e.Code, http.StatusText(e.Code), e.Body)
}

// Temporary reports whether the provider signalled a server-side failure.
func (e *StatusError) Temporary() bool { return e.Code >= 500 }
