package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL, DSN required
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// SendRecord is one delivery outcome.
// Keep it compact and schema-stable.
type SendRecord struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	JobID        string    `json:"job_id"`
	ParentBulkID string    `json:"parent_bulk_id,omitempty"`
	Recipient    string    `json:"recipient"`
	Subject      string    `json:"subject,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Status       string    `json:"status"`
	MessageID    string    `json:"message_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	TookMS       int64     `json:"took_ms"`
}
