// Package notify posts a short summary to operator chats whenever a bulk
// job reaches a terminal state.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mailq/internal/eventbus"
	"mailq/internal/queue"
	"mailq/internal/sender"
	logx "mailq/pkg/logx"
)

// JobLookup resolves child job ids. *service.Service satisfies it.
type JobLookup interface {
	GetJob(id string) (queue.Job, bool)
}

type Config struct {
	ChatIDs    []int64
	RatePerSec int
	RetryMax   int
	// Queue names the bulk queue; events from other queues are ignored.
	Queue string
}

// Summary is the per-bulk tally included in a notification.
type Summary struct {
	BulkID    string
	State     string
	Total     int
	Spawned   int
	Completed int
	Failed    int
	Canceled  int
	Pending   int
	Duration  time.Duration
	Error     string
}

type Notifier struct {
	send   Sender
	lookup JobLookup
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, send Sender, lookup JobLookup, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{send: send, lookup: lookup, log: log}
	n.Apply(cfg)
	return n
}

// Apply swaps chats and the send rate.
func (n *Notifier) Apply(cfg Config) {
	if cfg.Queue == "" {
		cfg.Queue = "bulk"
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	n.mu.Lock()
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	n.mu.Unlock()
}

// Run consumes bus events until ctx ends.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			n.handle(ctx, e)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.JobCompleted, eventbus.JobFailed, eventbus.JobCanceled:
	default:
		return
	}
	ev, ok := e.Data.(eventbus.JobEvent)
	if !ok {
		return
	}
	n.mu.Lock()
	q := n.cfg.Queue
	n.mu.Unlock()
	if ev.Queue != q {
		return
	}
	sum := n.Summarize(ev)
	n.Notify(ctx, sum)
}

// Summarize tallies the children recorded in a bulk job's result.
func (n *Notifier) Summarize(ev eventbus.JobEvent) Summary {
	sum := Summary{BulkID: ev.ID, State: ev.State, Duration: ev.Duration, Error: ev.Error}
	res, ok := ev.Result.(sender.BulkResult)
	if !ok {
		return sum
	}
	sum.Total = res.TotalEmails
	sum.Spawned = len(res.SpawnedJobIDs)
	for _, id := range res.SpawnedJobIDs {
		if n.lookup == nil {
			sum.Pending++
			continue
		}
		j, ok := n.lookup.GetJob(id)
		if !ok {
			// Swept or removed; outcome unknown.
			continue
		}
		switch j.State {
		case queue.StateCompleted:
			sum.Completed++
		case queue.StateFailed:
			sum.Failed++
		case queue.StateCanceled:
			sum.Canceled++
		default:
			sum.Pending++
		}
	}
	return sum
}

// Notify sends sum to every configured chat. Failures are logged.
func (n *Notifier) Notify(ctx context.Context, sum Summary) {
	n.mu.Lock()
	chats := append([]int64(nil), n.cfg.ChatIDs...)
	retry := n.cfg.RetryMax
	lim := n.limiter
	n.mu.Unlock()

	text := Format(sum)
	for _, chat := range chats {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		var last error
		for i := 0; i <= retry; i++ {
			if last = n.send.Send(ctx, chat, text); last == nil {
				break
			}
			if i == retry {
				break
			}
			delay := time.Duration(200+100*i) * time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if last != nil {
			n.log.Warn("bulk summary not delivered", logx.Int64("chat_id", chat), logx.String("bulk", sum.BulkID), logx.Err(last))
			continue
		}
		n.log.Debug("bulk summary sent", logx.Int64("chat_id", chat), logx.String("bulk", sum.BulkID))
	}
}

// Format renders sum as Telegram HTML.
func Format(sum Summary) string {
	var b strings.Builder
	icon := "✅"
	switch sum.State {
	case string(queue.StateFailed):
		icon = "❌"
	case string(queue.StateCanceled):
		icon = "⏹"
	}
	fmt.Fprintf(&b, "%s <b>bulk %s</b> %s\n", icon, html.EscapeString(sum.BulkID), html.EscapeString(sum.State))
	fmt.Fprintf(&b, "recipients: %d, spawned: %d\n", sum.Total, sum.Spawned)
	fmt.Fprintf(&b, "sent: %d, failed: %d, canceled: %d, pending: %d", sum.Completed, sum.Failed, sum.Canceled, sum.Pending)
	if sum.Duration > 0 {
		fmt.Fprintf(&b, "\ntook: %s", sum.Duration.Round(time.Millisecond))
	}
	if sum.Error != "" {
		fmt.Fprintf(&b, "\nerror: <code>%s</code>", html.EscapeString(sum.Error))
	}
	return b.String()
}
