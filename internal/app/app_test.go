package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mailq/internal/mail"
	"mailq/internal/queue"
	"mailq/internal/service"
)

const testConfig = `
logging:
  level: error
queues:
  email:
    concurrency: 2
    drain_timeout: 1s
  bulk:
    concurrency: 1
    drain_timeout: 1s
bulk:
  poll_interval: 20ms
transport:
  from: noreply@example.com
  smtp:
    host: localhost
storage:
  driver: file
  path: {{dir}}/history.jsonl
http:
  enabled: true
  addr: 127.0.0.1:0
metrics:
  enabled: true
notify:
  telegram:
    enabled: true
    token: test-token
    chat_ids: [42]
`

type chatLog struct {
	mu   sync.Mutex
	msgs []string
}

func (c *chatLog) Send(_ context.Context, _ int64, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *chatLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func stubTransport() mail.Transport {
	return mail.TransportFunc(func(ctx context.Context, conn mail.Connection, msg mail.Message) (mail.Receipt, error) {
		return mail.Receipt{MessageID: "<stub@example.com>"}, nil
	})
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "mailq.yaml")
	if err := os.WriteFile(p, []byte(strings.ReplaceAll(body, "{{dir}}", dir)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startApp(t *testing.T, path string, opts ...Option) *App {
	t.Helper()
	a, err := New(path, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func terminal(a *App, id string) bool {
	j, ok := a.Service().GetJob(id)
	return ok && j.State.Terminal()
}

func TestAppServesJobsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	chats := &chatLog{}
	a := startApp(t, writeConfig(t, dir, testConfig), WithTransport(stubTransport()), WithNotifySender(chats))
	waitFor(t, "http listener", func() bool { return a.Addr() != "" })
	base := "http://" + a.Addr()

	resp, err := http.Post(base+"/jobs", "application/json", strings.NewReader(`{"to":"a@example.com","subject":"hi","content":"x"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var j queue.Job
	_ = json.NewDecoder(resp.Body).Decode(&j)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || j.ID != "email-1" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, j)
	}
	waitFor(t, "email job", func() bool { return terminal(a, j.ID) })
	if got, _ := a.Service().GetJob(j.ID); got.State != queue.StateCompleted {
		t.Fatalf("state %s, err %q", got.State, got.Error)
	}

	recs, err := a.Service().History(context.Background(), 10)
	if err != nil || len(recs) != 1 || recs[0].JobID != "email-1" || recs[0].Status != "sent" {
		t.Fatalf("history %+v err %v", recs, err)
	}

	bj, err := a.Service().AddJob("newsletter", service.Request{
		To:      service.Many("b@example.com", "c@example.com"),
		Subject: "s",
		Content: "c",
	})
	if err != nil {
		t.Fatalf("AddJob bulk: %v", err)
	}
	waitFor(t, "bulk job", func() bool { return terminal(a, bj.ID) })
	waitFor(t, "bulk notification", func() bool { return chats.count() == 1 })

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "mailq_job_events_total") {
		t.Fatalf("metrics missing job events:\n%s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if _, err := a.Service().AddJob("", service.Request{To: service.One("a@example.com")}); err == nil {
		t.Fatalf("AddJob after Stop must fail")
	}
}

func TestHotReloadResizesQueues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, testConfig)
	a := startApp(t, path, WithTransport(stubTransport()), WithNotifySender(&chatLog{}))

	if c := a.Service().EmailQueue().Stats().Concurrency; c != 2 {
		t.Fatalf("initial concurrency %d", c)
	}
	// The watcher starts asynchronously; rewrite until it picks the change up.
	resized := strings.Replace(testConfig, "concurrency: 2", "concurrency: 4", 1)
	last := time.Time{}
	waitFor(t, "reload", func() bool {
		if time.Since(last) > 300*time.Millisecond {
			writeConfig(t, dir, resized)
			last = time.Now()
		}
		return a.Settings().Email.Concurrency == 4 && a.Service().EmailQueue().Stats().Concurrency == 4
	})

	// An invalid file is rejected and the running settings stay.
	writeConfig(t, dir, strings.Replace(testConfig, "level: error", "level: loud", 1))
	time.Sleep(600 * time.Millisecond)
	if a.Settings().Email.Concurrency != 4 {
		t.Fatalf("invalid reload was applied")
	}
}

func TestHeadlessSkipsHTTP(t *testing.T) {
	dir := t.TempDir()
	a := startApp(t, writeConfig(t, dir, testConfig), Headless(), WithTransport(stubTransport()), WithNotifySender(&chatLog{}))
	if a.http != nil || a.Addr() != "" {
		t.Fatalf("headless app must not serve http")
	}
	j, err := a.Service().AddJob("", service.Request{To: service.One("a@example.com"), Subject: "s", Content: "c"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	waitFor(t, "job", func() bool { return terminal(a, j.ID) })
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := New(writeConfig(t, dir, strings.Replace(testConfig, "level: error", "level: loud", 1)))
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("want logging.level error, got %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, testConfig), WithTransport(stubTransport()), WithNotifySender(&chatLog{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
