package mail

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "mailq/pkg/logx"
)

func TestRender(t *testing.T) {
	tests := []struct {
		tmpl string
		vars map[string]string
		want string
	}{
		{"Hi {{name}}", map[string]string{"name": "Ann"}, "Hi Ann"},
		{"Hi {{ name }}!", map[string]string{"name": "Ann"}, "Hi Ann!"},
		{"{{a}}{{b}}{{a}}", map[string]string{"a": "1", "b": "2"}, "121"},
		{"keep {{missing}}", map[string]string{"x": "y"}, "keep {{missing}}"},
		{"no vars", nil, "no vars"},
		{"<b>{{v}}</b>", map[string]string{"v": "<i>&</i>"}, "<b><i>&</i></b>"},
	}
	for _, tt := range tests {
		if got := Render(tt.tmpl, tt.vars); got != tt.want {
			t.Fatalf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestRouterDispatchesByProvider(t *testing.T) {
	var got []string
	stub := func(name string) Transport {
		return TransportFunc(func(ctx context.Context, conn Connection, msg Message) (Receipt, error) {
			got = append(got, name)
			return Receipt{MessageID: name + "-id"}, nil
		})
	}
	r := NewRouter().Handle(ProviderSMTP, stub("smtp")).Handle(ProviderMailgun, stub("mailgun"))
	msg := Message{From: "a@x", To: "b@x", Text: "t"}

	if rc, err := r.Deliver(context.Background(), Connection{}, msg); err != nil || rc.MessageID != "smtp-id" {
		t.Fatalf("default provider: %+v %v", rc, err)
	}
	if _, err := r.Deliver(context.Background(), Connection{Provider: "MailGun"}, msg); err != nil {
		t.Fatalf("mailgun: %v", err)
	}
	if strings.Join(got, ",") != "smtp,mailgun" {
		t.Fatalf("unexpected dispatch order %v", got)
	}

	_, err := r.Deliver(context.Background(), Connection{Provider: "pigeon"}, msg)
	var de *DeliveryError
	if !errors.As(err, &de) || de.Recipient != "b@x" {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
}

func TestDeliveryErrorKeepsReasonVerbatim(t *testing.T) {
	cause := errors.New("550 5.1.1 mailbox unavailable")
	err := deliveryErr("x@y", cause)
	if err.Error() != cause.Error() {
		t.Fatalf("reason rewritten: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not unwrapped")
	}
	if again := deliveryErr("x@y", err); again != err {
		t.Fatalf("DeliveryError wrapped twice")
	}
}

func TestSMTPRejectsBeforeDialing(t *testing.T) {
	tr := NewSMTPTransport(logx.Nop(), NewLimits())
	_, err := tr.Deliver(context.Background(), Connection{}, Message{From: "a@x", To: "b@x", Text: "t"})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Reason != "smtp host is not configured" {
		t.Fatalf("unexpected error %v", err)
	}
	_, err = tr.Deliver(context.Background(), Connection{Host: "localhost"}, Message{From: "a@x", To: "b@x"})
	if !errors.As(err, &de) || de.Reason != "empty body" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSMTPBuildSetsMessageID(t *testing.T) {
	tr := NewSMTPTransport(logx.Nop(), nil)
	m, id, err := tr.build(Connection{Host: "smtp.example.com"}, Message{
		From:    "Sender <sender@example.com>",
		To:      "rcpt@example.org",
		Subject: "S",
		HTML:    "<p>C</p>",
		Text:    "C",
		Headers: map[string]string{"X-Campaign": "spring"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@example.com>") {
		t.Fatalf("unexpected message id %q", id)
	}
	rcpts, err := m.GetRecipients()
	if err != nil || len(rcpts) != 1 || rcpts[0] != "rcpt@example.org" {
		t.Fatalf("unexpected recipients %v %v", rcpts, err)
	}

	if _, _, err := tr.build(Connection{}, Message{From: "not an address", To: "x@y", Text: "t"}); err == nil {
		t.Fatalf("expected invalid sender error")
	}
}

func TestLimitsWaitHonorsRate(t *testing.T) {
	l := NewLimits()
	conn := Connection{Host: "h", Port: 25, RatePerSec: 20}
	ctx := context.Background()
	start := time.Now()
	// Burst of 20 passes immediately, the next five need ~250ms of refill.
	for i := 0; i < 25; i++ {
		if err := l.Wait(ctx, conn); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if took := time.Since(start); took < 150*time.Millisecond {
		t.Fatalf("limiter did not throttle: %s", took)
	}

	if err := l.Wait(ctx, Connection{Host: "other"}); err != nil {
		t.Fatalf("unlimited connection should not wait: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := Connection{Host: "slow", RatePerSec: 0.01}
	_ = l.Wait(ctx, slow)
	if err := l.Wait(cctx, slow); err == nil {
		t.Fatalf("expected ctx error")
	}
}

func TestConnectionKey(t *testing.T) {
	a := Connection{Host: "h", Port: 25, Username: "u"}
	b := Connection{Provider: "smtp", Host: "h", Port: 25, Username: "u"}
	if a.Key() != b.Key() {
		t.Fatalf("default provider should key as smtp: %q vs %q", a.Key(), b.Key())
	}
	mg := Connection{Provider: ProviderMailgun, Domain: "mg.example.com", Host: "ignored"}
	if mg.Key() != "mailgun:mg.example.com" {
		t.Fatalf("unexpected mailgun key %q", mg.Key())
	}
}
