package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
)

// ============================================================
// Check / Stats Handlers
// ============================================================

type batchResponse struct {
	Results []domain.CheckResult `json:"results"`
	Stats   domain.BatchStats    `json:"stats"`
}

type statsResponse struct {
	domain.Statistics
	BatchRunning bool                    `json:"batch_running"`
	Metrics      *domain.MetricsSnapshot `json:"metrics,omitempty"`
}

type cachedBalance struct {
	Username string `json:"username"`
	domain.BalanceCacheRecord
}

func checkAccountHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/accounts/{username}/check")
		defer span.End()

		username := chi.URLParam(r, "username")
		span.SetAttributes(attribute.String("account.username", username))

		res, err := mon.CheckAccount(ctx, username)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func checkAllHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/check")
		defer span.End()

		results, stats, err := mon.CheckAll(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(
			attribute.String("batch.id", stats.BatchID),
			attribute.Int("batch.total", stats.Total),
		)
		writeJSON(w, http.StatusOK, batchResponse{Results: results, Stats: stats})
	}
}

func statsHandler(mon *service.Monitor, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/stats")
		defer span.End()

		resp := statsResponse{Statistics: mon.Statistics(), BatchRunning: mon.BatchRunning()}
		if metrics != nil {
			resp.Metrics = metrics.Snapshot()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func poolHandler(mon *service.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.PoolStats())
	}
}

func cacheHandler(mon *service.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/cache")
		defer span.End()

		recs := mon.CachedBalances()
		out := make([]cachedBalance, 0, len(recs))
		for _, acc := range mon.Accounts() {
			if rec, ok := recs[acc.Username]; ok {
				out = append(out, cachedBalance{Username: acc.Username, BalanceCacheRecord: rec})
			}
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[cachedBalance]{Data: out, Total: len(out)})
	}
}
