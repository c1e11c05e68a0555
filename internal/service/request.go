package service

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"

	mailx "mailq/internal/mail"
)

// Recipients accepts either a JSON string or a JSON list of strings.
// A list always routes to the bulk queue, even with one element.
type Recipients struct {
	Addrs []string
	List  bool
}

func One(addr string) Recipients { return Recipients{Addrs: []string{addr}} }

func Many(addrs ...string) Recipients { return Recipients{Addrs: addrs, List: true} }

func (r *Recipients) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = One(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return &ValidationError{Field: "to", Reason: "must be a string or a list of strings"}
	}
	*r = Many(list...)
	return nil
}

func (r Recipients) MarshalJSON() ([]byte, error) {
	if r.List {
		return json.Marshal(r.Addrs)
	}
	if len(r.Addrs) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(r.Addrs[0])
}

// Request is an email send request as accepted by the HTTP surface and CLI.
type Request struct {
	To                Recipients          `json:"to"`
	From              string              `json:"from,omitempty"`
	Subject           string              `json:"subject"`
	Content           string              `json:"content,omitempty"`
	HTML              string              `json:"html,omitempty"`
	ReplyTo           string              `json:"replyTo,omitempty"`
	Headers           map[string]string   `json:"headers,omitempty"`
	TemplateVars      map[string]string   `json:"templateVars,omitempty"`
	TemplateVarsArray []map[string]string `json:"templateVarsArray,omitempty"`
	// Provider overrides the default connection's provider ("smtp", "mailgun").
	Provider string `json:"provider,omitempty"`
	// Attempts overrides the configured delivery attempts per email.
	Attempts int `json:"attempts,omitempty"`
}

// ValidationError rejects a request before any job exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func (r Request) validate(maxRecipients int) error {
	if len(r.To.Addrs) == 0 {
		return &ValidationError{Field: "to", Reason: "is required"}
	}
	if maxRecipients > 0 && len(r.To.Addrs) > maxRecipients {
		return &ValidationError{Field: "to", Reason: fmt.Sprintf("has %d recipients; limit is %d", len(r.To.Addrs), maxRecipients)}
	}
	for i, a := range r.To.Addrs {
		if _, err := mail.ParseAddress(strings.TrimSpace(a)); err != nil {
			field := "to"
			if r.To.List {
				field = fmt.Sprintf("to[%d]", i)
			}
			return &ValidationError{Field: field, Reason: fmt.Sprintf("is not a valid address (%q)", a)}
		}
	}
	if strings.TrimSpace(r.Subject) == "" {
		return &ValidationError{Field: "subject", Reason: "is required"}
	}
	if r.Content == "" && r.HTML == "" {
		return &ValidationError{Field: "content", Reason: "or html is required"}
	}
	if r.ReplyTo != "" {
		if _, err := mail.ParseAddress(r.ReplyTo); err != nil {
			return &ValidationError{Field: "replyTo", Reason: "is not a valid address"}
		}
	}
	switch strings.ToLower(strings.TrimSpace(r.Provider)) {
	case "", mailx.ProviderSMTP, mailx.ProviderMailgun:
	default:
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("%q is not supported", r.Provider)}
	}
	if r.Attempts < 0 {
		return &ValidationError{Field: "attempts", Reason: "must not be negative"}
	}
	return nil
}
