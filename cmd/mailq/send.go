package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mailq/internal/app"
	"mailq/internal/queue"
	"mailq/internal/service"
)

type sendFlags struct {
	to       []string
	from     string
	subject  string
	content  string
	html     string
	kind     string
	provider string
	vars     map[string]string
	attempts int
	wait     time.Duration
}

func newSendCommand(f *rootFlags) *cobra.Command {
	sf := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Enqueue one request, wait for it to finish and print the job as JSON",
		Example: `  mailq send --to ann@example.com --subject "Hi {{name}}" --content "Hello" --var name=Ann
  mailq send --to a@example.com --to b@example.com --subject News --html "<p>hi</p>"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(f.config, app.Headless())
			if err != nil {
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			job, runErr := runSend(cmd.Context(), a.Service(), sf)

			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			stopErr := a.Stop(stopCtx, app.StopAppStop)

			if runErr != nil {
				return runErr
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return err
			}
			if stopErr != nil {
				return stopErr
			}
			if job.State != queue.StateCompleted {
				return fmt.Errorf("job %s finished %s: %s", job.ID, job.State, job.Error)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringArrayVar(&sf.to, "to", nil, "recipient; repeat for a bulk request")
	fl.StringVar(&sf.from, "from", "", "sender (default: transport.from)")
	fl.StringVar(&sf.subject, "subject", "", "subject template")
	fl.StringVar(&sf.content, "content", "", "plain-text body template")
	fl.StringVar(&sf.html, "html", "", "HTML body template")
	fl.StringVar(&sf.kind, "kind", "", "job name (default: email)")
	fl.StringVar(&sf.provider, "provider", "", "override transport.provider (smtp, mailgun)")
	fl.StringToStringVar(&sf.vars, "var", nil, "template variable key=value; repeatable")
	fl.IntVar(&sf.attempts, "attempts", 0, "delivery attempts per email (default: queues.email.attempts)")
	fl.DurationVar(&sf.wait, "wait", 5*time.Minute, "give up waiting after this long")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runSend(ctx context.Context, svc *service.Service, sf *sendFlags) (queue.Job, error) {
	req := service.Request{
		From:         sf.from,
		Subject:      sf.subject,
		Content:      sf.content,
		HTML:         sf.html,
		Provider:     sf.provider,
		Attempts:     sf.attempts,
		TemplateVars: sf.vars,
	}
	if len(sf.to) == 1 {
		req.To = service.One(sf.to[0])
	} else {
		req.To = service.Many(sf.to...)
		if len(sf.vars) > 0 {
			req.TemplateVarsArray = make([]map[string]string, len(sf.to))
			for i := range req.TemplateVarsArray {
				req.TemplateVarsArray[i] = sf.vars
			}
		}
	}

	job, err := svc.AddJob(sf.kind, req)
	if err != nil {
		return queue.Job{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sf.wait)
	defer cancel()
	return waitTerminal(ctx, svc, job)
}

// waitTerminal blocks until job reaches a terminal state in its queue.
func waitTerminal(ctx context.Context, svc *service.Service, job queue.Job) (queue.Job, error) {
	q := svc.EmailQueue()
	if svc.BulkQueue().Owns(job.ID) {
		q = svc.BulkQueue()
	}
	for {
		changed := q.Changed()
		cur, ok := q.Get(job.ID)
		if !ok {
			return job, queue.ErrJobNotFound
		}
		if cur.State.Terminal() {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return cur, fmt.Errorf("job %s still %s after wait", cur.ID, cur.State)
			}
			return cur, ctx.Err()
		}
	}
}
