package mail

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	logx "mailq/pkg/logx"
)

// MailgunTransport sends through the Mailgun HTTP API.
type MailgunTransport struct {
	log     logx.Logger
	limits  *Limits
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*mailgun.MailgunImpl
}

func NewMailgunTransport(log logx.Logger, limits *Limits) *MailgunTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MailgunTransport{
		log:     log.With(logx.String("transport", ProviderMailgun)),
		limits:  limits,
		timeout: 30 * time.Second,
		clients: map[string]*mailgun.MailgunImpl{},
	}
}

func (t *MailgunTransport) Deliver(ctx context.Context, conn Connection, msg Message) (Receipt, error) {
	if err := msg.validate(); err != nil {
		return Receipt{}, &DeliveryError{Recipient: msg.To, Reason: err.Error(), Err: err}
	}
	if conn.Domain == "" || conn.APIKey == "" {
		return Receipt{}, &DeliveryError{Recipient: msg.To, Reason: "mailgun domain and api key are required"}
	}
	if err := t.limits.Wait(ctx, conn); err != nil {
		return Receipt{}, deliveryErr(msg.To, err)
	}

	mg := t.client(conn)
	m := mg.NewMessage(msg.From, msg.Subject, msg.Text, msg.To)
	if msg.HTML != "" {
		m.SetHtml(msg.HTML)
	}
	if msg.ReplyTo != "" {
		m.SetReplyTo(msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		m.AddHeader(k, v)
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, id, err := mg.Send(sendCtx, m)
	if err != nil {
		t.log.Warn("mailgun delivery failed", logx.String("to", msg.To), logx.String("domain", conn.Domain), logx.Err(err))
		return Receipt{}, deliveryErr(msg.To, err)
	}
	t.log.Debug("mailgun accepted", logx.String("to", msg.To), logx.String("message_id", id))
	return Receipt{MessageID: id, Response: resp}, nil
}

func (t *MailgunTransport) client(conn Connection) *mailgun.MailgunImpl {
	key := conn.Domain + "|" + conn.APIKey + "|" + conn.APIBase
	t.mu.Lock()
	defer t.mu.Unlock()
	if mg, ok := t.clients[key]; ok {
		return mg
	}
	mg := mailgun.NewMailgun(conn.Domain, conn.APIKey)
	if base := strings.TrimSpace(conn.APIBase); base != "" {
		mg.SetAPIBase(base)
	}
	t.clients[key] = mg
	return mg
}
