package sender

import (
	"context"
	"time"

	"mailq/internal/mail"
	"mailq/internal/storage"
)

// EmailConfig is the per-request message template and connection.
type EmailConfig struct {
	Connection mail.Connection   `json:"connection"`
	From       string            `json:"from"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html,omitempty"`
	Text       string            `json:"text,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// EmailPayload is the payload of a job on the email queue.
type EmailPayload struct {
	Config       EmailConfig       `json:"config"`
	Recipient    string            `json:"recipient"`
	TemplateVars map[string]string `json:"template_vars"`
	ParentBulkID string            `json:"parent_bulk_id,omitempty"`
}

// BulkPayload is the payload of a job on the bulk queue.
type BulkPayload struct {
	Config            EmailConfig         `json:"config"`
	Recipients        []string            `json:"recipients"`
	TemplateVarsArray []map[string]string `json:"template_vars_array,omitempty"`
}

type EmailResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
}

// BulkResult records the children of a bulk job by id.
type BulkResult struct {
	Success       bool     `json:"success"`
	TotalEmails   int      `json:"total_emails"`
	SpawnedJobIDs []string `json:"spawned_job_ids"`
	Message       string   `json:"message"`
	Canceled      bool     `json:"canceled,omitempty"`
	Pending       int      `json:"pending,omitempty"`
}

// Recorder appends send-history records. storage.Store satisfies it.
type Recorder interface {
	AppendSend(ctx context.Context, r storage.SendRecord) error
}

// BulkConfig tunes fan-out and fan-in.
type BulkConfig struct {
	// BatchSize is how many children are enqueued per batch.
	BatchSize int
	// BatchPause separates batches.
	BatchPause time.Duration
	// WaitTimeout bounds the wait for children to finish.
	WaitTimeout time.Duration
	// PollInterval is the fallback recheck period while waiting.
	PollInterval time.Duration
	// ChildAttempts and ChildBackoff become the AddOptions of every child.
	ChildAttempts int
	ChildBackoff  time.Duration
}

func (c BulkConfig) withDefaults() BulkConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 3 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ChildAttempts <= 0 {
		c.ChildAttempts = 1
	}
	return c
}
