package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface on load and on hot reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Queues    QueuesConfig    `json:"queues"`
	Bulk      BulkConfig      `json:"bulk"`
	Retention RetentionConfig `json:"retention"`
	Transport TransportConfig `json:"transport"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type QueuesConfig struct {
	Email QueueConfig `json:"email"`
	Bulk  QueueConfig `json:"bulk"`
}

// QueueConfig controls one queue.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 5 (email), 2 (bulk)
//   - drain_timeout: "10s"
//   - job_timeout: "0s" (disabled)
//   - attempts: 1
//   - backoff: "500ms"
type QueueConfig struct {
	Concurrency  int    `json:"concurrency,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Backoff      string `json:"backoff,omitempty"`
}

// BulkConfig controls fan-out batching and the fan-in wait.
//
// Defaults: batch_size = queues.email.concurrency, batch_pause "100ms",
// wait_timeout "3m", poll_interval "1s", max_recipients 0 (unlimited).
type BulkConfig struct {
	BatchSize     int    `json:"batch_size,omitempty"`
	BatchPause    string `json:"batch_pause,omitempty"`
	WaitTimeout   string `json:"wait_timeout,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	MaxRecipients int    `json:"max_recipients,omitempty"`
}

// RetentionConfig controls the periodic sweep.
//
// Schedule is a cron spec ("0 * * * *") or a descriptor ("@every 1h").
type RetentionConfig struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	MaxAge        string `json:"max_age,omitempty"`
	HistoryMaxAge string `json:"history_max_age,omitempty"`
}

// TransportConfig is the default connection used for every request.
type TransportConfig struct {
	Provider        string        `json:"provider,omitempty"` // "smtp" (default) or "mailgun"
	From            string        `json:"from,omitempty"`
	ReplyTo         string        `json:"reply_to,omitempty"`
	RatePerSec      float64       `json:"rate_per_sec,omitempty"`
	Timeout         string        `json:"timeout,omitempty"`
	MessageIDDomain string        `json:"message_id_domain,omitempty"`
	SMTP            SMTPConfig    `json:"smtp"`
	Mailgun         MailgunConfig `json:"mailgun,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	// Password may be left empty and supplied via MAILQ_SMTP_PASSWORD.
	Password string `json:"password,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

type MailgunConfig struct {
	Domain  string `json:"domain,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
}

// StorageConfig controls the send-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mailq.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the trigger API.
//
// Security note:
//   - Prefer binding to localhost unless jwt_secret is set.
//   - pprof mounts /debug/pprof on the same listener.
type HTTPConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"` // default: "127.0.0.1:8025"
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	JWTSecret    string   `json:"jwt_secret,omitempty"` // do not log
	Pprof        bool     `json:"pprof,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig posts a summary of every finished bulk job.
type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"` // or MAILQ_TELEGRAM_TOKEN
	ChatIDs    []int64 `json:"chat_ids,omitempty"`
	RatePerSec int     `json:"rate_per_sec,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace,omitempty"` // default: "mailq"
}
