package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
)

var tracer = otel.Tracer("handler")

// NewRouter creates the HTTP router with all routes and middleware.
// Read routes are open; mutating routes require an admin token when jwtSecret is set.
func NewRouter(mon *service.Monitor, events *service.Broadcaster, metrics *observability.Metrics, jwtSecret string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(mon))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts", listAccountsHandler(mon))
		r.Get("/accounts/{username}", getAccountHandler(mon, logger))
		r.Get("/accounts/{username}/history", accountHistoryHandler(mon, logger))
		r.Get("/history", historyHandler(mon, logger))
		r.Get("/stats", statsHandler(mon, metrics))
		r.Get("/pool", poolHandler(mon))
		r.Get("/cache", cacheHandler(mon))
		r.Get("/events", eventsHandler(events, logger))

		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(jwtSecret, logger))
			r.Post("/accounts", createAccountHandler(mon, logger))
			r.Put("/accounts/{username}", updateAccountHandler(mon, logger))
			r.Delete("/accounts/{username}", deleteAccountHandler(mon, logger))
			r.Post("/accounts/{username}/check", checkAccountHandler(mon, logger))
			r.Post("/accounts/{username}/reset", resetAccountHandler(mon, logger))
			r.Post("/check", checkAllHandler(mon, logger))
		})
	})

	return r
}

// ============================================================
// Health checks
// ============================================================

// healthzHandler reports degraded while the session pool holds no sessions.
func healthzHandler(mon *service.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)
		pool := mon.PoolStats()

		poolStatus := "healthy"
		if pool.Total == 0 {
			poolStatus = "degraded"
		}
		services := []domain.ServiceHealth{
			{Name: "monitor", Status: "healthy", Detail: fmt.Sprintf("%d accounts", len(mon.Statuses())), LastChecked: now},
			{Name: "session_pool", Status: poolStatus, Detail: fmt.Sprintf("%d available, %d busy", pool.Available, pool.Busy), LastChecked: now},
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
