package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mailq/internal/config"
	"mailq/internal/eventbus"
	"mailq/internal/httpapi"
	"mailq/internal/mail"
	"mailq/internal/metrics"
	"mailq/internal/notify"
	"mailq/internal/queue"
	"mailq/internal/retention"
	"mailq/internal/runtime/supervisor"
	"mailq/internal/sender"
	"mailq/internal/service"
	"mailq/internal/storage"
	logx "mailq/pkg/logx"
)

const (
	emailQueue = "email"
	bulkQueue  = "bulk"
)

type Option func(*options)

type options struct {
	transport mail.Transport
	notify    notify.Sender
	headless  bool
}

// WithTransport replaces the provider router. Tests use it to avoid the network.
func WithTransport(t mail.Transport) Option { return func(o *options) { o.transport = t } }

// WithNotifySender replaces the Telegram sender used for bulk summaries.
func WithNotifySender(s notify.Sender) Option { return func(o *options) { o.notify = s } }

// Headless skips the HTTP API, the retention schedule and the config watcher.
// One-shot commands run this way.
func Headless() Option { return func(o *options) { o.headless = true } }

type App struct {
	opts options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	email        *queue.Queue
	bulk         *queue.Queue
	emailProc    *sender.EmailProcessor
	orchestrator *sender.BulkOrchestrator
	svc          *service.Service

	sweeper  *retention.Sweeper
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	http     *httpapi.Server

	mu       sync.RWMutex
	settings *config.Settings

	stopOnce sync.Once
	stopErr  error
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg, settings); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	transport := o.transport
	if transport == nil {
		limits := mail.NewLimits()
		tlog := log.With(logx.String("comp", "transport"))
		transport = mail.NewRouter().
			Handle(mail.ProviderSMTP, mail.NewSMTPTransport(tlog, limits,
				mail.WithSMTPTimeout(settings.TransportTimeout),
				mail.WithMessageIDDomain(cfg.Transport.MessageIDDomain))).
			Handle(mail.ProviderMailgun, mail.NewMailgunTransport(tlog, limits))
	}

	email := queue.New(emailQueue, mapQueueConfig(emailQueue, settings.Email), log.With(logx.String("comp", "queue.email")), bus)
	bulk := queue.New(bulkQueue, mapQueueConfig(bulkQueue, settings.BulkQueue), log.With(logx.String("comp", "queue.bulk")), bus)

	var (
		recorder sender.Recorder
		pruner   retention.Pruner
	)
	if store != nil {
		recorder, pruner = store, store
	}
	emailProc := sender.NewEmailProcessor(transport, recorder, log.With(logx.String("comp", "sender")))
	orchestrator := sender.NewBulkOrchestrator(email, mapBulkConfig(settings), log.With(logx.String("comp", "bulk")))

	svc := service.New(email, bulk, store, log.With(logx.String("comp", "service")))
	svc.SetDefaults(mapDefaults(cfg, settings))

	a := &App{
		opts:         o,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		email:        email,
		bulk:         bulk,
		emailProc:    emailProc,
		orchestrator: orchestrator,
		svc:          svc,
		settings:     settings,
	}
	a.sweeper = retention.New(mapRetention(settings), svc, pruner, log.With(logx.String("comp", "retention")))

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace, log.With(logx.String("comp", "metrics")), email, bulk)
	}

	if cfg.Notify.Telegram.Enabled {
		ns := o.notify
		if ns == nil {
			tg, err := notify.NewTelegramSender(cfg.Notify.Telegram.Token)
			if err != nil {
				a.closeStore()
				logSvc.Close()
				return nil, fmt.Errorf("notify.telegram: %w", err)
			}
			ns = tg
		}
		a.notifier = notify.New(mapNotify(cfg, bulkQueue), ns, svc, log.With(logx.String("comp", "notify")))
	}

	if settings.HTTP.Enabled && !o.headless {
		hc := httpapi.Config{
			Addr:         settings.HTTP.Addr,
			CORSOrigins:  cfg.HTTP.CORSOrigins,
			JWTSecret:    cfg.HTTP.JWTSecret,
			Pprof:        cfg.HTTP.Pprof,
			ReadTimeout:  settings.HTTP.ReadTimeout,
			WriteTimeout: settings.HTTP.WriteTimeout,
		}
		if a.metrics != nil {
			hc.Metrics = a.metrics.Handler()
		}
		a.http = httpapi.New(hc, svc, log.With(logx.String("comp", "http")))
	}

	return a, nil
}

func (a *App) Service() *service.Service { return a.svc }

// Settings returns the last applied settings.
func (a *App) Settings() *config.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// Addr is the HTTP API listen address, empty until it is bound.
func (a *App) Addr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Goroutines reports the supervised background loops.
func (a *App) Goroutines() []supervisor.GoroutineStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	s := a.Settings()
	a.email.RegisterProcessor(s.Email.Concurrency, a.emailProc.Process)
	a.bulk.RegisterProcessor(s.BulkQueue.Concurrency, a.orchestrator.Process)

	if !a.opts.headless {
		if err := a.sweeper.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.metrics != nil {
		a.sup.GoRestart("metrics", func(c context.Context) error {
			return a.metrics.Run(c, a.bus)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.notifier != nil {
		a.sup.GoRestart("notify", func(c context.Context) error {
			return a.notifier.Run(c, a.bus)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}

	// Job events at debug level; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				if newCfg == nil {
					continue
				}
				if err := a.applyConfig(c, lastApplied, newCfg); err != nil {
					a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
					continue
				}
				lastApplied = newCfg
			}
		}
	})

	if !a.opts.headless {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.Int("email_concurrency", s.Email.Concurrency),
		logx.Int("bulk_concurrency", s.BulkQueue.Concurrency),
		logx.Bool("http", a.http != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("metrics", a.metrics != nil),
		logx.Bool("notify", a.notifier != nil),
	)
	return nil
}

// applyConfig pushes a validated config into every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) error {
	s, err := config.Resolve(newCfg)
	if err != nil {
		return err
	}
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}

	a.logs.Apply(mapLogging(newCfg))

	a.email.RegisterProcessor(s.Email.Concurrency, a.emailProc.Process)
	a.email.SetDrainTimeout(s.Email.DrainTimeout)
	a.bulk.RegisterProcessor(s.BulkQueue.Concurrency, a.orchestrator.Process)
	a.bulk.SetDrainTimeout(s.BulkQueue.DrainTimeout)
	a.orchestrator.SetConfig(mapBulkConfig(s))
	a.svc.SetDefaults(mapDefaults(newCfg, s))

	if !a.opts.headless {
		if err := a.sweeper.Apply(ctx, mapRetention(s)); err != nil {
			a.log.Warn("retention schedule not applied", logx.Err(err))
		}
	}
	if a.notifier != nil {
		a.notifier.Apply(mapNotify(newCfg, bulkQueue))
	}

	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", pending))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return nil
}

// Stop is safe to call more than once; later calls return the first result.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	s := a.Settings()
	drain := max(s.Email.DrainTimeout, s.BulkQueue.DrainTimeout) + time.Second

	step("retention", time.Second, func(c context.Context) error { a.sweeper.Stop(c); return nil })
	step("queues", drain, a.svc.ShutdownAll)
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })
	// Supervised loops (http, config watch/reload, metrics, notify).
	step("supervisor", 6*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.Close()

	if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
