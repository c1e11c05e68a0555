package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mailq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like
// passwords, API keys, or tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queues, newCfg.Queues) {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.Int("queues.email.concurrency", newCfg.Queues.Email.Concurrency),
			logx.Int("queues.bulk.concurrency", newCfg.Queues.Bulk.Concurrency),
			logx.String("queues.email.drain_timeout", strings.TrimSpace(newCfg.Queues.Email.DrainTimeout)),
			logx.Int("queues.email.attempts", newCfg.Queues.Email.Attempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bulk, newCfg.Bulk) {
		changed = append(changed, "bulk")
		attrs = append(attrs,
			logx.Int("bulk.batch_size", newCfg.Bulk.BatchSize),
			logx.String("bulk.batch_pause", strings.TrimSpace(newCfg.Bulk.BatchPause)),
			logx.String("bulk.wait_timeout", strings.TrimSpace(newCfg.Bulk.WaitTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", strings.TrimSpace(newCfg.Retention.Schedule)),
			logx.String("retention.max_age", strings.TrimSpace(newCfg.Retention.MaxAge)),
		)
	}

	// Transport (never log password or api key)
	ot, nt := oldCfg.Transport, newCfg.Transport
	if ot.Provider != nt.Provider || ot.From != nt.From || ot.ReplyTo != nt.ReplyTo ||
		ot.RatePerSec != nt.RatePerSec || ot.Timeout != nt.Timeout || ot.MessageIDDomain != nt.MessageIDDomain ||
		ot.SMTP.Host != nt.SMTP.Host || ot.SMTP.Port != nt.SMTP.Port || ot.SMTP.Username != nt.SMTP.Username ||
		ot.SMTP.Secure != nt.SMTP.Secure || (ot.SMTP.Password != "") != (nt.SMTP.Password != "") ||
		ot.Mailgun.Domain != nt.Mailgun.Domain || ot.Mailgun.APIBase != nt.Mailgun.APIBase ||
		ot.Mailgun.APIKey != nt.Mailgun.APIKey {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.provider", nt.Provider),
			logx.String("transport.smtp.host", nt.SMTP.Host),
			logx.Int("transport.smtp.port", nt.SMTP.Port),
			logx.Bool("transport.smtp.password_set", nt.SMTP.Password != ""),
			logx.Bool("transport.mailgun.api_key_set", nt.Mailgun.APIKey != ""),
			logx.Any("transport.rate_per_sec", nt.RatePerSec),
		)
	}

	// Storage. Nil means disabled. Never log the DSN (may hold credentials).
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled || oh.Addr != nh.Addr || oh.Pprof != nh.Pprof ||
		!reflect.DeepEqual(oh.CORSOrigins, nh.CORSOrigins) || oh.JWTSecret != nh.JWTSecret ||
		oh.ReadTimeout != nh.ReadTimeout || oh.WriteTimeout != nh.WriteTimeout {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.auth", nh.JWTSecret != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	otg, ntg := oldCfg.Notify.Telegram, newCfg.Notify.Telegram
	if otg.Enabled != ntg.Enabled || otg.RatePerSec != ntg.RatePerSec || otg.Token != ntg.Token ||
		!reflect.DeepEqual(otg.ChatIDs, ntg.ChatIDs) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.telegram.enabled", ntg.Enabled),
			logx.Int("notify.telegram.chats", len(ntg.ChatIDs)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "http", "metrics", "notify":
			out = append(out, c)
		}
	}
	return out
}
