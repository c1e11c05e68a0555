package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailq/internal/queue"
	logx "mailq/pkg/logx"
)

// BulkOrchestrator expands a bulk job into email jobs and waits, bounded, for
// them to finish. Child failures never fail the bulk job.
type BulkOrchestrator struct {
	email *queue.Queue
	log   logx.Logger

	mu  sync.RWMutex
	cfg BulkConfig
}

func NewBulkOrchestrator(email *queue.Queue, cfg BulkConfig, log logx.Logger) *BulkOrchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &BulkOrchestrator{email: email, log: log, cfg: cfg.withDefaults()}
}

// SetConfig applies new batching settings to bulk jobs started afterwards.
func (o *BulkOrchestrator) SetConfig(cfg BulkConfig) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *BulkOrchestrator) Config() BulkConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func (o *BulkOrchestrator) Process(ctx context.Context, h *queue.Handle) (any, error) {
	pl, err := bulkPayload(h.Payload())
	if err != nil {
		return nil, queue.NoRetry(err)
	}
	cfg := o.Config()
	bulkID := h.ID()
	total := len(pl.Recipients)
	log := o.log.With(logx.String("bulk", bulkID))

	res := BulkResult{TotalEmails: total, SpawnedJobIDs: make([]string, 0, total)}
	if total == 0 {
		h.UpdateProgress(100)
		res.Success = true
		res.Message = "no recipients"
		return res, nil
	}

	childOpt := queue.AddOptions{Name: "email", Attempts: cfg.ChildAttempts, Backoff: cfg.ChildBackoff}
	for next := 0; next < total; {
		end := min(next+cfg.BatchSize, total)
		for i := next; i < end; i++ {
			// Checkpoint: before every add, so a cancel mid-batch stops the fan-out.
			if h.Canceled() {
				return o.canceled(log, res, i)
			}
			vars := map[string]string{}
			if i < len(pl.TemplateVarsArray) && pl.TemplateVarsArray[i] != nil {
				vars = pl.TemplateVarsArray[i]
			}
			j, err := o.email.Add(EmailPayload{
				Config:       pl.Config,
				Recipient:    pl.Recipients[i],
				TemplateVars: vars,
				ParentBulkID: bulkID,
			}, childOpt)
			if err != nil {
				h.SetResult(snapshot(res))
				return nil, fmt.Errorf("enqueue %d/%d (%s): %w", i+1, total, pl.Recipients[i], err)
			}
			res.SpawnedJobIDs = append(res.SpawnedJobIDs, j.ID)
			// Publish each id so a concurrent cancel sees every spawned child.
			h.SetResult(shared(res))
		}
		next = end

		h.UpdateProgress(next * 100 / total)

		if next < total && cfg.BatchPause > 0 {
			t := time.NewTimer(cfg.BatchPause)
			select {
			case <-t.C:
			case <-h.CancelRequested():
				t.Stop()
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
	}
	log.Debug("bulk enqueued", logx.Int("total", total))

	pending, err := o.waitChildren(ctx, h, res.SpawnedJobIDs, cfg)
	res.Pending = pending
	if err != nil && !errors.Is(err, queue.ErrCanceled) {
		return nil, err
	}
	if err != nil {
		res.Canceled = true
		res.Message = fmt.Sprintf("canceled while waiting: %d of %d emails still pending", pending, total)
		log.Info("bulk canceled during wait", logx.Int("pending", pending))
		return res, err
	}

	res.Success = true
	if pending > 0 {
		res.Message = fmt.Sprintf("queued %d emails; %d still pending after %s", total, pending, cfg.WaitTimeout)
		log.Warn("bulk wait timed out", logx.Int("pending", pending), logx.Duration("timeout", cfg.WaitTimeout))
	} else {
		res.Message = fmt.Sprintf("processed %d emails", total)
	}
	return res, nil
}

func (o *BulkOrchestrator) canceled(log logx.Logger, res BulkResult, spawned int) (any, error) {
	res = snapshot(res)
	res.Canceled = true
	res.Message = fmt.Sprintf("canceled after enqueuing %d of %d emails", spawned, res.TotalEmails)
	log.Info("bulk canceled during enqueue", logx.Int("spawned", spawned), logx.Int("total", res.TotalEmails))
	return res, queue.ErrCanceled
}

// waitChildren blocks until every child is terminal or gone, the wait ceiling
// passes, or the bulk job is canceled (ErrCanceled). It returns how many
// children were still pending.
func (o *BulkOrchestrator) waitChildren(ctx context.Context, h *queue.Handle, ids []string, cfg BulkConfig) (int, error) {
	pending := append([]string(nil), ids...)

	deadline := time.NewTimer(cfg.WaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(cfg.PollInterval)
	defer tick.Stop()

	for {
		// Grab the channel before scanning so no change is missed.
		changed := o.email.Changed()
		pending = o.stillPending(pending)
		if len(pending) == 0 {
			return 0, nil
		}
		select {
		case <-changed:
		case <-tick.C:
		case <-deadline.C:
			return len(o.stillPending(pending)), nil
		case <-h.CancelRequested():
			return len(o.stillPending(pending)), queue.ErrCanceled
		case <-ctx.Done():
			return len(pending), ctx.Err()
		}
	}
}

func (o *BulkOrchestrator) stillPending(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		j, ok := o.email.Get(id)
		if ok && !j.State.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// shared publishes r without copying the ids. The slice only grows by append
// and is capped at its current length, so readers never see later writes.
func shared(r BulkResult) BulkResult {
	n := len(r.SpawnedJobIDs)
	r.SpawnedJobIDs = r.SpawnedJobIDs[:n:n]
	return r
}

func snapshot(r BulkResult) BulkResult {
	r.SpawnedJobIDs = append([]string(nil), r.SpawnedJobIDs...)
	return r
}

func bulkPayload(v any) (BulkPayload, error) {
	switch pl := v.(type) {
	case BulkPayload:
		return pl, nil
	case *BulkPayload:
		if pl != nil {
			return *pl, nil
		}
	}
	return BulkPayload{}, fmt.Errorf("unexpected bulk payload %T", v)
}
