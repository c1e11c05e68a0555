package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	logx "mailq/pkg/logx"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPTransport sends over SMTP, one connection per delivery.
type SMTPTransport struct {
	log      logx.Logger
	limits   *Limits
	timeout  time.Duration
	msgIDDom string
}

type SMTPOption func(*SMTPTransport)

// WithSMTPTimeout bounds dial + send.
func WithSMTPTimeout(d time.Duration) SMTPOption {
	return func(t *SMTPTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMessageIDDomain sets the right-hand side of generated Message-IDs.
func WithMessageIDDomain(d string) SMTPOption {
	return func(t *SMTPTransport) { t.msgIDDom = strings.TrimSpace(d) }
}

func NewSMTPTransport(log logx.Logger, limits *Limits, opts ...SMTPOption) *SMTPTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &SMTPTransport{
		log:     log.With(logx.String("transport", ProviderSMTP)),
		limits:  limits,
		timeout: defaultSMTPTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *SMTPTransport) Deliver(ctx context.Context, conn Connection, msg Message) (Receipt, error) {
	if err := msg.validate(); err != nil {
		return Receipt{}, &DeliveryError{Recipient: msg.To, Reason: err.Error(), Err: err}
	}
	if strings.TrimSpace(conn.Host) == "" {
		return Receipt{}, &DeliveryError{Recipient: msg.To, Reason: "smtp host is not configured"}
	}
	if err := t.limits.Wait(ctx, conn); err != nil {
		return Receipt{}, deliveryErr(msg.To, err)
	}

	m, id, err := t.build(conn, msg)
	if err != nil {
		return Receipt{}, deliveryErr(msg.To, err)
	}
	c, err := gomail.NewClient(conn.Host, t.clientOptions(conn)...)
	if err != nil {
		return Receipt{}, deliveryErr(msg.To, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	if err := c.DialAndSendWithContext(sendCtx, m); err != nil {
		t.log.Warn("smtp delivery failed", logx.String("to", msg.To), logx.String("host", conn.Host), logx.Err(err))
		return Receipt{}, deliveryErr(msg.To, err)
	}
	t.log.Debug("smtp delivered", logx.String("to", msg.To), logx.String("message_id", id), logx.Duration("took", time.Since(start)))
	return Receipt{MessageID: id, Response: "250 accepted"}, nil
}

func (t *SMTPTransport) clientOptions(conn Connection) []gomail.Option {
	opts := []gomail.Option{gomail.WithTimeout(t.timeout)}
	if conn.Port > 0 {
		opts = append(opts, gomail.WithPort(conn.Port))
	}
	if conn.Secure {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if conn.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(conn.Username),
			gomail.WithPassword(conn.Password),
		)
	}
	return opts
}

// build converts msg into a go-mail message and returns the Message-ID it carries.
func (t *SMTPTransport) build(conn Connection, msg Message) (*gomail.Msg, string, error) {
	m := gomail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, "", fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, "", fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, "", fmt.Errorf("invalid reply-to %q: %w", msg.ReplyTo, err)
		}
	}
	m.Subject(msg.Subject)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	}
	for k, v := range msg.Headers {
		m.SetGenHeader(gomail.Header(k), v)
	}

	id := newMessageID(t.domainFor(conn, msg))
	m.SetMessageIDWithValue(id)
	return m, "<" + id + ">", nil
}

func (t *SMTPTransport) domainFor(conn Connection, msg Message) string {
	if t.msgIDDom != "" {
		return t.msgIDDom
	}
	if i := strings.LastIndexByte(msg.From, '@'); i >= 0 {
		return strings.TrimRight(msg.From[i+1:], ">")
	}
	return conn.Host
}

func newMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return uuid.NewString() + "@" + domain
}
