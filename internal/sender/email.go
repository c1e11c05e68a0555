package sender

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailq/internal/mail"
	"mailq/internal/queue"
	"mailq/internal/storage"
	logx "mailq/pkg/logx"
)

// EmailProcessor delivers exactly one message per job.
type EmailProcessor struct {
	transport mail.Transport
	rec       Recorder
	log       logx.Logger
}

// NewEmailProcessor returns a processor for the email queue. rec may be nil.
func NewEmailProcessor(t mail.Transport, rec Recorder, log logx.Logger) *EmailProcessor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EmailProcessor{transport: t, rec: rec, log: log}
}

func (p *EmailProcessor) Process(ctx context.Context, h *queue.Handle) (any, error) {
	pl, err := emailPayload(h.Payload())
	if err != nil {
		return nil, queue.NoRetry(err)
	}

	// Checkpoint: nothing has been sent yet.
	select {
	case <-h.CancelRequested():
		return nil, queue.ErrCanceled
	default:
	}

	msg := Compose(pl.Config, pl.Recipient, pl.TemplateVars)
	h.UpdateProgress(10)

	start := time.Now()
	rc, err := p.transport.Deliver(ctx, pl.Config.Connection, msg)
	took := time.Since(start)
	p.record(ctx, h.ID(), pl, msg, rc, err, took)
	if err != nil {
		return nil, err
	}
	return EmailResult{Success: true, MessageID: rc.MessageID, Recipient: pl.Recipient}, nil
}

// Compose renders the message for one recipient.
func Compose(cfg EmailConfig, to string, vars map[string]string) mail.Message {
	msg := mail.Message{
		From:    cfg.From,
		To:      strings.TrimSpace(to),
		Subject: mail.Render(cfg.Subject, vars),
		HTML:    mail.Render(cfg.HTML, vars),
		Text:    mail.Render(cfg.Text, vars),
		ReplyTo: cfg.ReplyTo,
	}
	if len(cfg.Headers) > 0 {
		msg.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			msg.Headers[k] = mail.Render(v, vars)
		}
	}
	return msg
}

func (p *EmailProcessor) record(ctx context.Context, jobID string, pl EmailPayload, msg mail.Message, rc mail.Receipt, sendErr error, took time.Duration) {
	if p.rec == nil {
		return
	}
	r := storage.SendRecord{
		JobID:        jobID,
		ParentBulkID: pl.ParentBulkID,
		Recipient:    msg.To,
		Subject:      msg.Subject,
		Provider:     pl.Config.Connection.Provider,
		Status:       storage.StatusSent,
		MessageID:    rc.MessageID,
		TookMS:       took.Milliseconds(),
	}
	if r.Provider == "" {
		r.Provider = mail.ProviderSMTP
	}
	if sendErr != nil {
		r.Status = storage.StatusFailed
		r.Error = sendErr.Error()
	}
	// The history write must not be skipped because the job ctx ended.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.rec.AppendSend(wctx, r); err != nil {
		p.log.Warn("send history append failed", logx.String("job", jobID), logx.Err(err))
	}
}

func emailPayload(v any) (EmailPayload, error) {
	switch pl := v.(type) {
	case EmailPayload:
		return pl, nil
	case *EmailPayload:
		if pl != nil {
			return *pl, nil
		}
	}
	return EmailPayload{}, fmt.Errorf("unexpected email payload %T", v)
}
