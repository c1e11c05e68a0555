package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mailq/internal/mail"
	"mailq/internal/queue"
	"mailq/internal/sender"
	"mailq/internal/storage"
	logx "mailq/pkg/logx"
)

const bulkSettleTimeout = 5 * time.Second

// Defaults fill in what a Request leaves out.
type Defaults struct {
	From       string
	ReplyTo    string
	Connection mail.Connection
	// Attempts and Backoff apply to every email job.
	Attempts int
	Backoff  time.Duration
	// MaxRecipients caps a bulk request. 0 means unlimited.
	MaxRecipients int
}

// BulkCancelResult reports what CancelBulkJob reached.
type BulkCancelResult struct {
	BulkJobCanceled   bool `json:"bulkJobCanceled"`
	ChildJobsCanceled int  `json:"childJobsCanceled"`
	ChildJobsTotal    int  `json:"childJobsTotal"`
}

// Page is one slice of the merged job listing.
type Page struct {
	Jobs  []queue.Job `json:"jobs"`
	Total int         `json:"total"`
	Limit int         `json:"limit"`
	Skip  int         `json:"skip"`
}

// Service is the single entry point over the email and bulk queues.
type Service struct {
	email *queue.Queue
	bulk  *queue.Queue
	store storage.Store
	log   logx.Logger

	mu       sync.RWMutex
	defaults Defaults
}

// New returns a facade over the two queues. store may be nil.
func New(email, bulk *queue.Queue, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{email: email, bulk: bulk, store: store, log: log, defaults: Defaults{Attempts: 1}}
}

func (s *Service) SetDefaults(d Defaults) {
	if d.Attempts <= 0 {
		d.Attempts = 1
	}
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
}

func (s *Service) Defaults() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

func (s *Service) EmailQueue() *queue.Queue { return s.email }
func (s *Service) BulkQueue() *queue.Queue  { return s.bulk }

// AddJob validates req and enqueues it: a single recipient becomes an email
// job, a list becomes one bulk job.
func (s *Service) AddJob(kind string, req Request) (queue.Job, error) {
	d := s.Defaults()
	if err := req.validate(d.MaxRecipients); err != nil {
		return queue.Job{}, err
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "email"
	}

	cfg := s.emailConfig(d, req)
	if cfg.From == "" {
		return queue.Job{}, &ValidationError{Field: "from", Reason: "is required (no default sender configured)"}
	}

	if req.To.List {
		recipients := make([]string, len(req.To.Addrs))
		for i, a := range req.To.Addrs {
			recipients[i] = strings.TrimSpace(a)
		}
		j, err := s.bulk.Add(sender.BulkPayload{
			Config:            cfg,
			Recipients:        recipients,
			TemplateVarsArray: req.TemplateVarsArray,
		}, queue.AddOptions{Name: kind})
		if err != nil {
			return queue.Job{}, err
		}
		s.log.Info("bulk job added", logx.String("job", j.ID), logx.Int("recipients", len(recipients)))
		return j, nil
	}

	vars := req.TemplateVars
	if vars == nil {
		vars = map[string]string{}
	}
	attempts := d.Attempts
	if req.Attempts > 0 {
		attempts = req.Attempts
	}
	j, err := s.email.Add(sender.EmailPayload{
		Config:       cfg,
		Recipient:    strings.TrimSpace(req.To.Addrs[0]),
		TemplateVars: vars,
	}, queue.AddOptions{Name: kind, Attempts: attempts, Backoff: d.Backoff})
	if err != nil {
		return queue.Job{}, err
	}
	return j, nil
}

func (s *Service) emailConfig(d Defaults, req Request) sender.EmailConfig {
	conn := d.Connection
	if p := strings.ToLower(strings.TrimSpace(req.Provider)); p != "" {
		conn.Provider = p
	}
	cfg := sender.EmailConfig{
		Connection: conn,
		From:       strings.TrimSpace(req.From),
		Subject:    req.Subject,
		HTML:       req.HTML,
		Text:       req.Content,
		ReplyTo:    req.ReplyTo,
		Headers:    req.Headers,
	}
	if cfg.From == "" {
		cfg.From = d.From
	}
	if cfg.ReplyTo == "" {
		cfg.ReplyTo = d.ReplyTo
	}
	return cfg
}

// queuesFor returns the queue owning id first, then the other one.
func (s *Service) queuesFor(id string) []*queue.Queue {
	if s.bulk.Owns(id) {
		return []*queue.Queue{s.bulk, s.email}
	}
	return []*queue.Queue{s.email, s.bulk}
}

// GetJob looks a job up in whichever queue holds it.
func (s *Service) GetJob(id string) (queue.Job, bool) {
	for _, q := range s.queuesFor(id) {
		if j, ok := q.Get(id); ok {
			return j, true
		}
	}
	return queue.Job{}, false
}

// CancelJob cancels one job. See queue.Queue.Cancel for the per-state rules.
func (s *Service) CancelJob(id string) (bool, error) {
	for _, q := range s.queuesFor(id) {
		ok, err := q.Cancel(id)
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		return ok, err
	}
	return false, queue.ErrJobNotFound
}

// CancelBulkJob cancels the bulk job, then every recorded child that has not
// finished yet. Finished children count toward the total only. An active bulk
// job may still be enqueuing, so its children are read after it stops.
func (s *Service) CancelBulkJob(bulkID string) (BulkCancelResult, error) {
	j, ok := s.bulk.Get(bulkID)
	if !ok {
		return BulkCancelResult{}, queue.ErrJobNotFound
	}
	// Cancel drops a terminal row, so its children are read first.
	children := spawnedIDs(j.Result)

	var out BulkCancelResult
	canceled, err := s.bulk.Cancel(bulkID)
	var te *queue.TerminalError
	switch {
	case err == nil:
		out.BulkJobCanceled = canceled
		if j.State == queue.StateActive {
			children = s.settledChildren(bulkID, children)
		}
	case errors.As(err, &te):
	case errors.Is(err, queue.ErrJobNotFound):
		// Raced with a sweep; the children are still worth reaching.
	default:
		return out, err
	}

	out.ChildJobsTotal = len(children)
	for _, id := range children {
		c, ok := s.email.Get(id)
		if !ok || c.State.Terminal() {
			continue
		}
		if ok, err := s.email.Cancel(id); ok && err == nil {
			out.ChildJobsCanceled++
		}
	}
	s.log.Info("bulk cancel", logx.String("job", bulkID), logx.Bool("bulk_canceled", out.BulkJobCanceled), logx.Int("children_canceled", out.ChildJobsCanceled), logx.Int("children_total", out.ChildJobsTotal))
	return out, nil
}

// settledChildren waits, bounded by bulkSettleTimeout, for a canceled bulk job
// to leave the active state and returns the ids it recorded. The orchestrator
// checks the flag before every enqueue, so once it stops no child is added.
func (s *Service) settledChildren(bulkID string, known []string) []string {
	timer := time.NewTimer(bulkSettleTimeout)
	defer timer.Stop()
	for {
		changed := s.bulk.Changed()
		j, ok := s.bulk.Get(bulkID)
		if !ok {
			return known
		}
		if ids := spawnedIDs(j.Result); len(ids) >= len(known) {
			known = ids
		}
		if j.State != queue.StateActive {
			return known
		}
		select {
		case <-changed:
		case <-timer.C:
			s.log.Warn("bulk job still active after cancel", logx.String("job", bulkID), logx.Int("children", len(known)))
			return known
		}
	}
}

func spawnedIDs(v any) []string {
	switch r := v.(type) {
	case sender.BulkResult:
		return append([]string(nil), r.SpawnedJobIDs...)
	case *sender.BulkResult:
		if r != nil {
			return append([]string(nil), r.SpawnedJobIDs...)
		}
	}
	return nil
}

// RemoveJob deletes the row from the email queue, else the bulk queue.
func (s *Service) RemoveJob(id string) bool {
	return s.email.Remove(id) || s.bulk.Remove(id)
}

// GetActiveJobs lists jobs in every state from both queues, newest first.
func (s *Service) GetActiveJobs(limit, skip int) Page {
	all := append(s.email.List(), s.bulk.List()...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if limit <= 0 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}
	p := Page{Total: len(all), Limit: limit, Skip: skip, Jobs: []queue.Job{}}
	if skip >= len(all) {
		return p
	}
	end := min(skip+limit, len(all))
	p.Jobs = all[skip:end]
	return p
}

// CleanOldJobs sweeps finished rows older than maxAge from both queues.
// Completed, failed and canceled rows all count as finished.
func (s *Service) CleanOldJobs(maxAge time.Duration) int {
	states := []queue.State{queue.StateCompleted, queue.StateFailed, queue.StateCanceled}
	n := s.email.Clean(maxAge, states...) + s.bulk.Clean(maxAge, states...)
	if n > 0 {
		s.log.Info("old jobs cleaned", logx.Int("removed", n), logx.Duration("max_age", maxAge))
	}
	return n
}

// Stats reports both queues, email first.
func (s *Service) Stats() []queue.Stats {
	return []queue.Stats{s.email.Stats(), s.bulk.Stats()}
}

// History returns recent send-history records, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.SendRecord, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	return s.store.RecentSends(ctx, limit)
}

// ShutdownAll drains both queues concurrently.
func (s *Service) ShutdownAll(ctx context.Context) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range []*queue.Queue{s.bulk, s.email} {
		g.Go(func() error { return q.Shutdown(gctx) })
	}
	err := g.Wait()
	s.log.Info("queues shut down", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}
