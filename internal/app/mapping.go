package app

import (
	"strings"

	"mailq/internal/config"
	"mailq/internal/mail"
	"mailq/internal/notify"
	"mailq/internal/queue"
	"mailq/internal/retention"
	"mailq/internal/sender"
	"mailq/internal/service"
	"mailq/internal/storage"
	logx "mailq/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports enabled=false when no storage section is present.
func mapStorageConfig(cfg *config.Config, s *config.Settings) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: s.StorageBusy,
	}, true
}

func mapQueueConfig(name string, q config.QueueSettings) queue.Config {
	return queue.Config{
		Concurrency:  q.Concurrency,
		DrainTimeout: q.DrainTimeout,
		JobTimeout:   q.JobTimeout,
		IDPrefix:     name,
	}
}

func mapConnection(t config.TransportConfig) mail.Connection {
	provider := strings.ToLower(strings.TrimSpace(t.Provider))
	if provider == "" {
		provider = mail.ProviderSMTP
	}
	return mail.Connection{
		Provider:   provider,
		Host:       t.SMTP.Host,
		Port:       t.SMTP.Port,
		Username:   t.SMTP.Username,
		Password:   t.SMTP.Password,
		Secure:     t.SMTP.Secure,
		Domain:     t.Mailgun.Domain,
		APIKey:     t.Mailgun.APIKey,
		APIBase:    t.Mailgun.APIBase,
		RatePerSec: t.RatePerSec,
	}
}

func mapDefaults(cfg *config.Config, s *config.Settings) service.Defaults {
	return service.Defaults{
		From:          strings.TrimSpace(cfg.Transport.From),
		ReplyTo:       strings.TrimSpace(cfg.Transport.ReplyTo),
		Connection:    mapConnection(cfg.Transport),
		Attempts:      s.Email.Attempts,
		Backoff:       s.Email.Backoff,
		MaxRecipients: s.Bulk.MaxRecipients,
	}
}

// Children inherit the email queue's retry policy.
func mapBulkConfig(s *config.Settings) sender.BulkConfig {
	return sender.BulkConfig{
		BatchSize:     s.Bulk.BatchSize,
		BatchPause:    s.Bulk.BatchPause,
		WaitTimeout:   s.Bulk.WaitTimeout,
		PollInterval:  s.Bulk.PollInterval,
		ChildAttempts: s.Email.Attempts,
		ChildBackoff:  s.Email.Backoff,
	}
}

func mapRetention(s *config.Settings) retention.Config {
	return retention.Config{
		Enabled:       s.Retention.Enabled,
		Schedule:      s.Retention.Schedule,
		Location:      s.Retention.Location,
		MaxAge:        s.Retention.MaxAge,
		HistoryMaxAge: s.Retention.HistoryMaxAge,
	}
}

func mapNotify(cfg *config.Config, bulkQueue string) notify.Config {
	tg := cfg.Notify.Telegram
	return notify.Config{
		ChatIDs:    append([]int64(nil), tg.ChatIDs...),
		RatePerSec: tg.RatePerSec,
		RetryMax:   2,
		Queue:      bulkQueue,
	}
}
