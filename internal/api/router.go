package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"sitepatrol/internal/core"
	"sitepatrol/internal/pool"
	"sitepatrol/internal/queue"
)

// Store is the persistence the HTTP surface reads and writes.
type Store interface {
	InsertTask(ctx context.Context, task *core.PatrolTask) error
	UpdateTask(ctx context.Context, task *core.PatrolTask) error
	DeleteTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*core.PatrolTask, error)
	ListTasks(ctx context.Context, enabledOnly bool) ([]*core.PatrolTask, error)

	InsertSchedule(ctx context.Context, sched *core.PatrolSchedule) error
	UpdateSchedule(ctx context.Context, sched *core.PatrolSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*core.PatrolSchedule, error)
	ListSchedules(ctx context.Context, taskID string) ([]*core.PatrolSchedule, error)

	GetExecution(ctx context.Context, id string) (*core.PatrolExecution, error)
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.PatrolExecution, error)
}

// Scheduler is reloaded after schedule or task changes.
type Scheduler interface {
	ReloadSchedules(ctx context.Context) error
}

// Queue accepts run requests and reports its depth.
type Queue interface {
	Enqueue(item queue.Item) *queue.Pending
	Stats() queue.Stats
}

// PoolStats reports browser pool usage.
type PoolStats interface {
	Stats() pool.Stats
}

// Options holds the collaborators and settings of a Server.
type Options struct {
	Addr       string
	AuthToken  string
	Store      Store
	Dispatcher core.Dispatcher
	Scheduler  Scheduler
	Queue      Queue
	Pool       PoolStats
	Events     core.EventEmitter
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	// RunLimiter throttles POST /v1/tasks/{id}/run; nil disables it.
	RunLimiter *rate.Limiter
	// DefaultTimeZone applies to schedules and previews without a zone.
	DefaultTimeZone string
	Logger          *slog.Logger
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      Store
	dispatcher core.Dispatcher
	scheduler  Scheduler
	queue      Queue
	pool       PoolStats
	events     core.EventEmitter
	mcp        http.Handler
	runLimiter *rate.Limiter
	timeZone   string
	logger     *slog.Logger
	authToken  string
	now        func() time.Time
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		scheduler:  opts.Scheduler,
		queue:      opts.Queue,
		pool:       opts.Pool,
		events:     opts.Events,
		mcp:        opts.MCP,
		runLimiter: opts.RunLimiter,
		timeZone:   opts.DefaultTimeZone,
		logger:     opts.Logger,
		authToken:  opts.AuthToken,
		now:        time.Now,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	// Mount MCP endpoint with optional authentication
	if s.mcp != nil {
		var mcpHandler http.Handler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/pool", s.handlePoolStats)
		r.Get("/queue", s.handleQueueStats)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.With(RateLimit(s.runLimiter)).Post("/run", s.handleRunTask)
				r.Get("/executions", s.handleListExecutions)
				r.Get("/schedules", s.handleListSchedules)
				r.Post("/schedules", s.handleCreateSchedule)
			})
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/reload", s.handleReloadSchedules)
			r.Get("/{scheduleID}", s.handleGetSchedule)
			r.Patch("/{scheduleID}", s.handleUpdateSchedule)
			r.Delete("/{scheduleID}", s.handleDeleteSchedule)
		})

		r.Get("/executions/{executionID}", s.handleGetExecution)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reloadSchedules keeps cron registrations in line with the store. A
// failure is logged; the write that triggered it already succeeded.
func (s *Server) reloadSchedules(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.ReloadSchedules(ctx); err != nil {
		s.logger.Error("reload schedules", "err", err)
	}
}
