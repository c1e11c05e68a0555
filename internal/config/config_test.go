package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
queues:
  email:
    concurrency: 8
    attempts: 3
    backoff: 1s
  bulk:
    concurrency: 1
    drain_timeout: 20s
bulk:
  batch_size: 4
  wait_timeout: 1m
retention:
  enabled: true
  schedule: "@every 30m"
  max_age: 2h
transport:
  from: noreply@example.com
  smtp:
    host: smtp.example.com
    port: 587
    username: mailer
storage:
  driver: sqlite
  path: ./data/mailq.sqlite
http:
  enabled: true
  addr: 127.0.0.1:9000
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAMLAndResolve(t *testing.T) {
	t.Setenv("MAILQ_SMTP_PASSWORD", "s3cret")
	p := writeFile(t, t.TempDir(), "mailq.yaml", sampleYAML)

	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.SMTP.Password != "s3cret" {
		t.Fatalf("env secret not applied")
	}

	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Email.Concurrency != 8 || s.Email.Attempts != 3 || s.Email.Backoff != time.Second {
		t.Fatalf("email queue: %+v", s.Email)
	}
	if s.Email.DrainTimeout != DefaultDrainTimeout {
		t.Fatalf("drain default not applied: %s", s.Email.DrainTimeout)
	}
	if s.BulkQueue.Concurrency != 1 || s.BulkQueue.DrainTimeout != 20*time.Second {
		t.Fatalf("bulk queue: %+v", s.BulkQueue)
	}
	if s.Bulk.BatchSize != 4 || s.Bulk.BatchPause != DefaultBatchPause || s.Bulk.WaitTimeout != time.Minute || s.Bulk.PollInterval != DefaultPollInterval {
		t.Fatalf("bulk: %+v", s.Bulk)
	}
	if !s.Retention.Enabled || s.Retention.Schedule != "@every 30m" || s.Retention.MaxAge != 2*time.Hour || s.Retention.HistoryMaxAge != DefaultHistoryRetention {
		t.Fatalf("retention: %+v", s.Retention)
	}
	if s.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("http: %+v", s.HTTP)
	}
}

func TestBatchSizeDefaultsToEmailConcurrency(t *testing.T) {
	s, err := Resolve(&Config{Queues: QueuesConfig{Email: QueueConfig{Concurrency: 7}}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Bulk.BatchSize != 7 {
		t.Fatalf("expected batch size 7, got %d", s.Bulk.BatchSize)
	}
	if s.Retention.Schedule != DefaultSweepSchedule || s.HTTP.Addr != DefaultHTTPAddr {
		t.Fatalf("defaults not applied: %+v", s)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "bad.yaml", "queues:\n  email:\n    concurency: 3\n")
	if _, err := NewConfigManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "concurency") {
		t.Fatalf("expected unknown field error, got %v", err)
	}

	p = writeFile(t, dir, "trail.json", `{"logging":{"level":"info"}}{"x":1}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestResolveCollectsErrors(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Queues:    QueuesConfig{Email: QueueConfig{Concurrency: -1, DrainTimeout: "soon"}},
		Retention: RetentionConfig{Schedule: "every now and then"},
		Transport: TransportConfig{Provider: "pigeon"},
		Storage:   &StorageConfig{Driver: "postgres"},
		Notify:    NotifyConfig{Telegram: TelegramConfig{Enabled: true}},
	}
	_, err := Resolve(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, key := range []string{
		"logging.level",
		"queues.email.concurrency",
		"queues.email.drain_timeout",
		"retention.schedule",
		"transport.provider",
		"storage.dsn",
		"notify.telegram.token",
		"notify.telegram.chat_ids",
	} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error does not mention %s:\n%v", key, err)
		}
	}
}

func TestSummarizeNeverLeaksSecrets(t *testing.T) {
	oldCfg := &Config{Transport: TransportConfig{SMTP: SMTPConfig{Host: "a", Password: "old-pass"}}}
	newCfg := &Config{
		Transport: TransportConfig{SMTP: SMTPConfig{Host: "b", Password: "new-pass"}},
		Queues:    QueuesConfig{Email: QueueConfig{Concurrency: 9}},
		Storage:   &StorageConfig{Driver: "postgres", DSN: "postgres://u:hunter2@db/mailq"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "queues,storage,transport" {
		t.Fatalf("unexpected sections %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("unexpected restart set %v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "MAILQ_MAILGUN_API_KEY=key-from-file\n")
	t.Setenv("MAILQ_MAILGUN_API_KEY", "")
	os.Unsetenv("MAILQ_MAILGUN_API_KEY")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	s, err := ReadSecrets()
	if err != nil {
		t.Fatalf("ReadSecrets: %v", err)
	}
	if s.MailgunAPIKey != "key-from-file" {
		t.Fatalf("dotenv value not loaded: %+v", s)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "mailq.yaml", "logging:\n  level: info\n")
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		_, err := Resolve(cfg)
		return err
	})
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid: rejected by the validator, never published.
	writeFile(t, dir, "mailq.yaml", "logging:\n  level: shouting\n")
	time.Sleep(500 * time.Millisecond)
	writeFile(t, dir, "mailq.yaml", "logging:\n  level: debug\n")

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published invalid config: %+v", cfg.Logging)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("commit missing")
	}
}

func TestDurationOptions(t *testing.T) {
	s, err := Resolve(&Config{Bulk: BulkConfig{BatchPause: "0s", WaitTimeout: "0s"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Bulk.BatchPause != 0 {
		t.Fatalf("explicit zero batch pause overridden: %s", s.Bulk.BatchPause)
	}
	if s.Bulk.WaitTimeout != DefaultWaitTimeout {
		t.Fatalf("zero wait timeout should fall back to default: %s", s.Bulk.WaitTimeout)
	}

	_, err = Resolve(&Config{Queues: QueuesConfig{Bulk: QueueConfig{JobTimeout: "-1s"}}, HTTP: HTTPConfig{ReadTimeout: "fast"}})
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"queues.bulk.job_timeout: must not be negative", `http.read_timeout: invalid duration "fast"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in:\n%v", want, err)
		}
	}
}

func TestParseYAMLMergeKeysAndEmptyFile(t *testing.T) {
	dir := t.TempDir()
	body := `
defaults: &q
  concurrency: 3
  backoff: 2s
queues:
  email:
    <<: *q
    concurrency: 6
  bulk: *q
`
	// defaults is not a config key, so the whole file is rejected on load.
	p := writeFile(t, dir, "anchors.yaml", body)
	if _, err := NewConfigManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "defaults") {
		t.Fatalf("unknown top-level key should be rejected, got %v", err)
	}

	jb, err := yamlToJSON([]byte(body))
	if err != nil {
		t.Fatalf("yamlToJSON: %v", err)
	}
	js := string(jb)
	for _, want := range []string{`"email":{"backoff":"2s","concurrency":6}`, `"bulk":{"backoff":"2s","concurrency":3}`} {
		if !strings.Contains(js, want) {
			t.Fatalf("merge not applied, want %s in %s", want, js)
		}
	}

	p = writeFile(t, dir, "empty.yaml", "")
	cfg, err := NewConfigManager(p).Parse()
	if err != nil || cfg == nil {
		t.Fatalf("empty file should parse: %v", err)
	}
}
