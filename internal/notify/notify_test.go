package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mailq/internal/eventbus"
	"mailq/internal/queue"
	"mailq/internal/sender"
	logx "mailq/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	out   []sent
	fails int
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("429 too many requests")
	}
	f.out = append(f.out, sent{chatID, text})
	return nil
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type jobTable map[string]queue.State

func (m jobTable) GetJob(id string) (queue.Job, bool) {
	st, ok := m[id]
	return queue.Job{ID: id, State: st}, ok
}

func TestSummarizeTalliesChildren(t *testing.T) {
	n := New(Config{}, &fakeSender{}, jobTable{
		"email-1": queue.StateCompleted,
		"email-2": queue.StateFailed,
		"email-3": queue.StateCanceled,
		"email-4": queue.StateActive,
	}, logx.Nop())
	sum := n.Summarize(eventbus.JobEvent{
		Queue: "bulk",
		ID:    "bulk-1",
		State: "completed",
		Result: sender.BulkResult{
			Success:       true,
			TotalEmails:   6,
			SpawnedJobIDs: []string{"email-1", "email-2", "email-3", "email-4", "email-5"},
		},
	})
	if sum.Total != 6 || sum.Spawned != 5 || sum.Completed != 1 || sum.Failed != 1 || sum.Canceled != 1 || sum.Pending != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestFormatEscapesHTML(t *testing.T) {
	got := Format(Summary{BulkID: "bulk-9", State: "failed", Error: "<smtp> 550"})
	if !strings.Contains(got, "&lt;smtp&gt; 550") || !strings.HasPrefix(got, "❌") {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestRunNotifiesOnlyBulkTerminalEvents(t *testing.T) {
	fs := &fakeSender{fails: 1}
	n := New(Config{ChatIDs: []int64{10, 20}, RatePerSec: 100, RetryMax: 1}, fs, jobTable{}, logx.Nop())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx, bus) }()
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Data: eventbus.JobEvent{Queue: "email", ID: "email-1", State: "completed"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobProgress, Data: eventbus.JobEvent{Queue: "bulk", ID: "bulk-1", State: "active"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobCanceled, Data: eventbus.JobEvent{Queue: "bulk", ID: "bulk-1", State: "canceled"}})

	deadline := time.Now().Add(3 * time.Second)
	for len(fs.messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 messages, got %+v", fs.messages())
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := fs.messages()
	if msgs[0].chat != 10 || msgs[1].chat != 20 {
		t.Fatalf("unexpected chats %+v", msgs)
	}
	if !strings.Contains(msgs[0].text, "bulk-1") || !strings.Contains(msgs[0].text, "canceled") {
		t.Fatalf("unexpected text %q", msgs[0].text)
	}
	time.Sleep(50 * time.Millisecond)
	if len(fs.messages()) != 2 {
		t.Fatalf("non-bulk or non-terminal event produced a message")
	}
}

func TestNewTelegramSenderRequiresToken(t *testing.T) {
	if _, err := NewTelegramSender("  "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
