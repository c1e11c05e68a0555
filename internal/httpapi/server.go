// Package httpapi is a thin JSON trigger surface over the queue service.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mailq/internal/queue"
	"mailq/internal/service"
	"mailq/internal/storage"
	logx "mailq/pkg/logx"
)

// API is the subset of *service.Service the handlers use.
type API interface {
	AddJob(kind string, req service.Request) (queue.Job, error)
	GetJob(id string) (queue.Job, bool)
	CancelJob(id string) (bool, error)
	CancelBulkJob(bulkID string) (service.BulkCancelResult, error)
	RemoveJob(id string) bool
	GetActiveJobs(limit, skip int) service.Page
	CleanOldJobs(maxAge time.Duration) int
	Stats() []queue.Stats
	History(ctx context.Context, limit int) ([]storage.SendRecord, error)
}

type Config struct {
	Addr         string
	CORSOrigins  []string
	JWTSecret    string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

type Server struct {
	cfg     Config
	api     API
	log     logx.Logger
	handler http.Handler

	mu   sync.Mutex
	addr string
}

func New(cfg Config, api API, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, api: api, log: log}
	s.handler = s.routes()
	return s
}

// Handler returns the router; used by tests and embedders.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr reports the bound address once Run is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.health)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.JWTSecret != "" {
			r.Use(requireJWT([]byte(s.cfg.JWTSecret)))
		}
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.addJob)
			r.Get("/", s.listJobs)
			r.Post("/clean", s.cleanJobs)
			r.Get("/{id}", s.getJob)
			r.Delete("/{id}", s.removeJob)
			r.Post("/{id}/cancel", s.cancelJob)
		})
		r.Post("/bulk/{id}/cancel", s.cancelBulk)
		r.Get("/stats", s.stats)
		r.Get("/history", s.history)
	})
	return r
}

// Run serves until ctx ends, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.JWTSecret != ""), logx.Bool("pprof", s.cfg.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown error", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http api stopped")
	return nil
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= 500 {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
