// Package httpserver exposes the daemon's ops HTTP surface: liveness, prometheus metrics,
// the sync log tail and the job table.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/orchestrator"
)

const (
	defaultTailLines = 100
	maxTailLines     = 5000
)

// Pinger checks the ledger database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Tailer returns recent sync log lines.
type Tailer interface {
	Tail(n int) ([]string, error)
}

// JobLister describes scheduled jobs.
type JobLister interface {
	Jobs() []orchestrator.JobInfo
}

// SiteLister reports the last known status per site.
type SiteLister interface {
	Sites() map[string]model.SiteStatus
}

// Options wire the handlers. Only DB is required.
type Options struct {
	DB       Pinger
	Gatherer prometheus.Gatherer
	SyncLog  Tailer
	Jobs     JobLister
	Sites    SiteLister
	Logger   *zap.Logger
}

// Server is the ops HTTP server.
type Server struct {
	opts Options
	log  *zap.Logger
	srv  *http.Server
}

// New constructs a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{opts: opts, log: opts.Logger.Named("http")}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Router returns the handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/synclog", s.synclog)
	r.Get("/jobs", s.jobs)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok", "database": true}
	code := http.StatusOK
	if err := s.opts.DB.Ping(ctx); err != nil {
		s.log.Warn("database ping", zap.Error(err))
		body["status"], body["database"] = "degraded", false
		code = http.StatusServiceUnavailable
	}
	if s.opts.Sites != nil {
		body["sites"] = s.opts.Sites.Sites()
	}
	writeJSON(w, code, body)
}

func (s *Server) synclog(w http.ResponseWriter, r *http.Request) {
	if s.opts.SyncLog == nil {
		http.Error(w, "sync log disabled", http.StatusNotFound)
		return
	}
	n := defaultTailLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "lines must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(parsed, maxTailLines)
	}
	lines, err := s.opts.SyncLog.Tail(n)
	if err != nil {
		s.log.Warn("tail sync log", zap.Error(err))
		http.Error(w, "read sync log", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if len(lines) > 0 {
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}
}

func (s *Server) jobs(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Jobs == nil {
		writeJSON(w, http.StatusOK, []orchestrator.JobInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Jobs.Jobs())
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
