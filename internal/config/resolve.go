package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "mailq/pkg/logx"
)

// QueueSettings is a QueueConfig with defaults applied and durations parsed.
type QueueSettings struct {
	Concurrency  int
	DrainTimeout time.Duration
	JobTimeout   time.Duration
	Attempts     int
	Backoff      time.Duration
}

type BulkSettings struct {
	BatchSize     int
	BatchPause    time.Duration
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	MaxRecipients int
}

type RetentionSettings struct {
	Enabled       bool
	Schedule      string
	Location      *time.Location
	MaxAge        time.Duration
	HistoryMaxAge time.Duration
}

type HTTPSettings struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Settings is the validated, typed view of a Config.
type Settings struct {
	Email            QueueSettings
	BulkQueue        QueueSettings
	Bulk             BulkSettings
	Retention        RetentionSettings
	HTTP             HTTPSettings
	TransportTimeout time.Duration
	StorageBusy      time.Duration
}

const (
	DefaultEmailConcurrency = 5
	DefaultBulkConcurrency  = 2
	DefaultDrainTimeout     = 10 * time.Second
	DefaultBackoff          = 500 * time.Millisecond
	DefaultBatchPause       = 100 * time.Millisecond
	DefaultWaitTimeout      = 3 * time.Minute
	DefaultPollInterval     = time.Second
	DefaultRetention        = 24 * time.Hour
	DefaultHistoryRetention = 30 * 24 * time.Hour
	DefaultSweepSchedule    = "@every 1h"
	DefaultHTTPAddr         = "127.0.0.1:8025"
)

// Resolve applies defaults and validates cfg. Every error names the
// offending key.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var (
		s    Settings
		errs []error
	)
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	var d durations
	s.Email = resolveQueue(&d, "queues.email", cfg.Queues.Email, DefaultEmailConcurrency)
	s.BulkQueue = resolveQueue(&d, "queues.bulk", cfg.Queues.Bulk, DefaultBulkConcurrency)
	if cfg.Queues.Email.Concurrency < 0 {
		add(errors.New("queues.email.concurrency: must be >= 0"))
	}
	if cfg.Queues.Bulk.Concurrency < 0 {
		add(errors.New("queues.bulk.concurrency: must be >= 0"))
	}

	b := cfg.Bulk
	s.Bulk.BatchSize = b.BatchSize
	if s.Bulk.BatchSize <= 0 {
		s.Bulk.BatchSize = s.Email.Concurrency
	}
	if b.MaxRecipients < 0 {
		add(errors.New("bulk.max_recipients: must be >= 0"))
	}
	s.Bulk.MaxRecipients = b.MaxRecipients
	s.Bulk.BatchPause = d.unlessSet("bulk.batch_pause", b.BatchPause, DefaultBatchPause)
	s.Bulk.WaitTimeout = d.or("bulk.wait_timeout", b.WaitTimeout, DefaultWaitTimeout)
	s.Bulk.PollInterval = d.or("bulk.poll_interval", b.PollInterval, DefaultPollInterval)

	r := cfg.Retention
	s.Retention.Enabled = r.Enabled
	s.Retention.Schedule = strings.TrimSpace(r.Schedule)
	if s.Retention.Schedule == "" {
		s.Retention.Schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(s.Retention.Schedule); err != nil {
		add(fmt.Errorf("retention.schedule: %w", err))
	}
	s.Retention.Location = time.Local
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			add(fmt.Errorf("retention.timezone: %w", err))
		} else {
			s.Retention.Location = loc
		}
	}
	s.Retention.MaxAge = d.or("retention.max_age", r.MaxAge, DefaultRetention)
	s.Retention.HistoryMaxAge = d.or("retention.history_max_age", r.HistoryMaxAge, DefaultHistoryRetention)

	t := cfg.Transport
	switch strings.ToLower(strings.TrimSpace(t.Provider)) {
	case "", "smtp":
	case "mailgun":
		if t.Mailgun.Domain == "" {
			add(errors.New("transport.mailgun.domain: required for provider mailgun"))
		}
	default:
		add(fmt.Errorf("transport.provider: unknown provider %q", t.Provider))
	}
	if t.RatePerSec < 0 {
		add(errors.New("transport.rate_per_sec: must be >= 0"))
	}
	if t.SMTP.Port < 0 || t.SMTP.Port > 65535 {
		add(fmt.Errorf("transport.smtp.port: %d out of range", t.SMTP.Port))
	}
	s.TransportTimeout = d.or("transport.timeout", t.Timeout, 30*time.Second)

	if st := cfg.Storage; st != nil {
		s.StorageBusy = d.optional("storage.busy_timeout", st.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		case "postgres", "postgresql", "pgx":
			if strings.TrimSpace(st.DSN) == "" {
				add(errors.New("storage.dsn: required for driver postgres"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
	}

	h := cfg.HTTP
	s.HTTP.Enabled = h.Enabled
	s.HTTP.Addr = strings.TrimSpace(h.Addr)
	if s.HTTP.Addr == "" {
		s.HTTP.Addr = DefaultHTTPAddr
	}
	s.HTTP.ReadTimeout = d.or("http.read_timeout", h.ReadTimeout, 15*time.Second)
	s.HTTP.WriteTimeout = d.or("http.write_timeout", h.WriteTimeout, 30*time.Second)

	if tg := cfg.Notify.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("notify.telegram.token: required when enabled (or set MAILQ_TELEGRAM_TOKEN)"))
		}
		if len(tg.ChatIDs) == 0 {
			add(errors.New("notify.telegram.chat_ids: at least one chat is required"))
		}
	}

	add(d.err())
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &s, nil
}

func resolveQueue(d *durations, path string, q QueueConfig, defConcurrency int) QueueSettings {
	out := QueueSettings{
		Concurrency:  q.Concurrency,
		Attempts:     q.Attempts,
		DrainTimeout: d.or(path+".drain_timeout", q.DrainTimeout, DefaultDrainTimeout),
		JobTimeout:   d.optional(path+".job_timeout", q.JobTimeout),
		Backoff:      d.or(path+".backoff", q.Backoff, DefaultBackoff),
	}
	if out.Concurrency <= 0 {
		out.Concurrency = defConcurrency
	}
	if out.Attempts <= 0 {
		out.Attempts = 1
	}
	return out
}
