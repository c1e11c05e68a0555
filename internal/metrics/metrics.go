// Package metrics turns queue lifecycle events into prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailq/internal/eventbus"
	"mailq/internal/queue"
	logx "mailq/pkg/logx"
)

// StatsSource is implemented by *queue.Queue.
type StatsSource interface {
	Stats() queue.Stats
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	attempts *prometheus.HistogramVec
	drains   *prometheus.CounterVec
	cleaned  *prometheus.CounterVec
}

// New registers every collector on a private registry. Queue gauges are
// read from sources at scrape time.
func New(namespace string, log logx.Logger, sources ...StatsSource) *Metrics {
	if strings.TrimSpace(namespace) == "" {
		namespace = "mailq"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		&queueCollector{sources: sources, namespace: namespace},
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		log: log,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle events by queue and event type",
		}, []string{"queue", "event"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from dispatch to terminal state",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
		}, []string{"queue", "state"}),
		attempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_attempts",
			Help:      "Processor runs per finished job",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"queue"}),
		drains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drains_total",
			Help:      "Queue shutdown drains by outcome",
		}, []string{"queue", "timed_out"}),
		cleaned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cleaned_total",
			Help:      "Rows removed by retention sweeps",
		}, []string{"queue"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	m.log.Debug("metrics consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.JobEvent:
		if e.Type == eventbus.JobProgress {
			return
		}
		m.events.WithLabelValues(d.Queue, strings.TrimPrefix(e.Type, "job.")).Inc()
		switch e.Type {
		case eventbus.JobCompleted, eventbus.JobFailed, eventbus.JobCanceled:
			if d.Duration > 0 {
				m.duration.WithLabelValues(d.Queue, d.State).Observe(d.Duration.Seconds())
			}
			if d.Attempts > 0 {
				m.attempts.WithLabelValues(d.Queue).Observe(float64(d.Attempts))
			}
		}
	case eventbus.QueueEvent:
		switch e.Type {
		case eventbus.QueueDrained:
			to := "false"
			if d.TimedOut {
				to = "true"
			}
			m.drains.WithLabelValues(d.Queue, to).Inc()
		case eventbus.QueueCleaned:
			m.cleaned.WithLabelValues(d.Queue).Add(float64(d.Removed))
		}
	}
}

// queueCollector reports live queue stats on every scrape.
type queueCollector struct {
	namespace string
	sources   []StatsSource
}

func (c *queueCollector) desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "queue", name), help, labels, nil)
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc("jobs", "Rows in the job table by state", "queue", "state")
	ch <- c.desc("concurrency", "Configured concurrency", "queue")
	ch <- c.desc("active", "Currently active jobs", "queue")
}

var allStates = []queue.State{queue.StateWaiting, queue.StateActive, queue.StateCompleted, queue.StateFailed, queue.StateCanceled}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	jobs := c.desc("jobs", "Rows in the job table by state", "queue", "state")
	conc := c.desc("concurrency", "Configured concurrency", "queue")
	active := c.desc("active", "Currently active jobs", "queue")
	for _, src := range c.sources {
		st := src.Stats()
		for _, s := range allStates {
			ch <- prometheus.MustNewConstMetric(jobs, prometheus.GaugeValue, float64(st.Counts[s]), st.Queue, string(s))
		}
		ch <- prometheus.MustNewConstMetric(conc, prometheus.GaugeValue, float64(st.Concurrency), st.Queue)
		ch <- prometheus.MustNewConstMetric(active, prometheus.GaugeValue, float64(st.Active), st.Queue)
	}
}
