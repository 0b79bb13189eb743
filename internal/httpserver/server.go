package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/config"
	"github.com/PortNumber53/detective-directory/backend/internal/handlers"
	"github.com/PortNumber53/detective-directory/backend/internal/middleware"
	"github.com/PortNumber53/detective-directory/backend/internal/worker"
)

// EntitlementAPI is everything the entitlement routes call.
type EntitlementAPI interface {
	handlers.EntitlementService
	handlers.AdminEntitlementService
}

// PlanAPI reads and writes the plan catalog.
type PlanAPI interface {
	handlers.PlanLister
	handlers.PlanWriter
}

// Deps are the collaborators behind the routes. Nil fields disable the
// routes that need them.
type Deps struct {
	DB           handlers.Pinger
	Plans        PlanAPI
	Catalog      handlers.CatalogInvalidator
	Entitlements EntitlementAPI
	Payments     handlers.PaymentService
	Worker       *worker.Worker
	Scheduler    *worker.Scheduler
	AdminTokens  *middleware.AdminTokens
	Logger       *zap.Logger
}

// Server wraps an http.Server with the background worker it owns.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	scheduler  *worker.Scheduler
	log        *zap.Logger

	cancel context.CancelFunc
}

// New constructs the HTTP server and registers every route.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger(log))
	router.Use(chimw.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB))

	if deps.Plans != nil {
		router.Get("/api/plans", handlers.ListPlans(deps.Plans, log))
	}

	if deps.Entitlements != nil {
		router.Route("/api/detectives/{id}", func(r chi.Router) {
			r.Get("/entitlements", handlers.GetEntitlements(deps.Entitlements, log))
			r.Get("/quota", handlers.GetQuota(deps.Entitlements, log))
			r.Post("/schedule-change", handlers.ScheduleChange(deps.Entitlements, log))
		})
	}

	if deps.Payments != nil {
		router.Post("/api/payments/orders", handlers.CreateOrder(deps.Payments, log))
		router.Post("/api/webhooks/payments", handlers.PaymentWebhook(deps.Payments, cfg.PaymentWebhookSecret, log))
	}

	tokens := deps.AdminTokens
	if tokens == nil {
		tokens = middleware.NewAdminTokens(cfg.AdminJWTSecret, 0)
	}
	router.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin(tokens, log))

		if deps.Plans != nil {
			r.Put("/plans/{id}", handlers.UpsertPlan(deps.Plans, deps.Catalog, log))
		}
		if deps.Entitlements != nil {
			r.Get("/entitlements/audit", handlers.AuditEntitlements(deps.Entitlements, log))
			r.Post("/entitlements/repair", handlers.RepairEntitlements(deps.Entitlements, log))
		}
		if deps.Worker != nil {
			r.Post("/jobs", handlers.CreateJob(deps.Worker, log))
			r.Get("/jobs/stats", handlers.GetJobStats(deps.Worker, log))
			r.Get("/jobs/{id}", handlers.GetJob(deps.Worker, log))
			r.Delete("/jobs/{id}", handlers.CancelJob(deps.Worker, log))
		}
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, scheduler: deps.Scheduler, log: log.Named("server")}
}

// Start launches the worker and scheduler, then serves HTTP until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.worker != nil {
		s.worker.Start(ctx)
	}
	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}
	s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then stops the scheduler and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.worker != nil {
		if werr := s.worker.Stop(ctx); werr != nil {
			s.log.Error("worker shutdown", zap.Error(werr))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
