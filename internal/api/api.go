// Package api exposes the orchestrator and the import queue over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/syncrunner/internal/orchestrator"
	"github.com/livinlefevreloca/syncrunner/internal/progress"
	"github.com/livinlefevreloca/syncrunner/internal/queue"
)

const (
	maxTriggerBody = 1 << 20
	maxImportBody  = 32 << 20
)

// Runner is the part of the orchestrator the handlers drive.
type Runner interface {
	Start(ctx context.Context, id, target string, input []byte, onTerminate func()) (*orchestrator.Execution, error)
	Abort(ctx context.Context, id string) error
	GetJob(id string) (orchestrator.JobExecution, bool)
	List() []orchestrator.JobExecution
}

// Config holds handler settings
type Config struct {
	// Target spawned for sync triggers
	SyncTarget string

	// Upper bound on how long an abort request waits
	StopTimeout time.Duration

	// Served at MetricsPath when set
	Metrics     http.Handler
	MetricsPath string

	// Progress events are streamed from here when set
	Progress *progress.Broker

	// Topics whose backlog is reported by the stats endpoint
	QueueTopics []string
}

// API wires the HTTP handlers together.
type API struct {
	runner Runner
	queue  queue.Backend
	config Config
	logger *slog.Logger
}

// New creates an API. q may be nil, in which case import routes are not
// registered.
func New(runner Runner, q queue.Backend, cfg Config, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &API{
		runner: runner,
		queue:  q,
		config: cfg,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers every route on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", a.stats)
		r.Get("/syncs", a.listSyncs)
		r.Get("/syncs/{syncId}", a.getSync)
		r.Post("/syncs/{syncId}/trigger", a.triggerSync)
		r.Post("/syncs/{syncId}/abort", a.abortSync)

		if a.config.Progress != nil {
			r.Get("/syncs/{syncId}/events", a.streamEvents)
		}

		if a.queue != nil {
			r.Post("/import/{topic}", a.enqueueImport)
		}
	})

	if a.config.Metrics != nil {
		r.Method(http.MethodGet, a.config.MetricsPath, a.config.Metrics)
	}
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
