package mail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	ProviderSMTP    = "smtp"
	ProviderMailgun = "mailgun"
)

// Connection describes where and how a message is sent.
type Connection struct {
	Provider string `json:"provider,omitempty"`

	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	// Secure selects implicit TLS (SMTPS). Otherwise STARTTLS is opportunistic.
	Secure bool `json:"secure,omitempty"`

	// Mailgun account.
	Domain  string `json:"domain,omitempty"`
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`

	// RatePerSec caps deliveries over this connection. 0 disables the cap.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// Key identifies a connection for rate limiting.
func (c Connection) Key() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		p = ProviderSMTP
	}
	if p == ProviderMailgun {
		return p + ":" + c.Domain
	}
	return p + ":" + c.Host + ":" + strconv.Itoa(c.Port) + ":" + c.Username
}

// Message is one rendered email with a single recipient.
type Message struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("missing sender")
	}
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("missing recipient")
	}
	if m.HTML == "" && m.Text == "" {
		return fmt.Errorf("empty body")
	}
	return nil
}

// Receipt is what a provider hands back for an accepted message.
type Receipt struct {
	MessageID string `json:"message_id"`
	Response  string `json:"response,omitempty"`
}

type Transport interface {
	Deliver(ctx context.Context, conn Connection, msg Message) (Receipt, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, conn Connection, msg Message) (Receipt, error)

func (f TransportFunc) Deliver(ctx context.Context, conn Connection, msg Message) (Receipt, error) {
	return f(ctx, conn, msg)
}

// DeliveryError reports a failed delivery to one recipient.
type DeliveryError struct {
	Recipient string
	Reason    string
	Err       error
}

func (e *DeliveryError) Error() string { return e.Reason }

func (e *DeliveryError) Unwrap() error { return e.Err }

func deliveryErr(to string, err error) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*DeliveryError); ok {
		return de
	}
	return &DeliveryError{Recipient: to, Reason: err.Error(), Err: err}
}
