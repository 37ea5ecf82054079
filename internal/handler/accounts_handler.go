package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
)

// ============================================================
// Accounts Handlers
// ============================================================

// accountView never carries credentials.
type accountView struct {
	Username  string               `json:"username"`
	HasAPIKey bool                 `json:"has_api_key"`
	Status    domain.AccountStatus `json:"status"`
}

type createAccountRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	APIKey   string `json:"api_key"`
}

type updateAccountRequest struct {
	Password *string `json:"password"`
	APIKey   *string `json:"api_key"`
}

func viewOf(mon *service.Monitor, acc domain.Account) accountView {
	st, err := mon.Status(acc.Username)
	if err != nil {
		st = domain.NewAccountStatus(acc.Username)
	}
	return accountView{Username: acc.Username, HasAPIKey: acc.HasAPIKey(), Status: st}
}

func listAccountsHandler(mon *service.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/accounts")
		defer span.End()

		accs := mon.Accounts()
		views := make([]accountView, 0, len(accs))
		for _, acc := range accs {
			views = append(views, viewOf(mon, acc))
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[accountView]{Data: views, Total: len(views)})
	}
}

func getAccountHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/accounts/{username}")
		defer span.End()

		acc, err := mon.Account(chi.URLParam(r, "username"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(mon, acc))
	}
}

func createAccountHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "POST /v1/accounts")
		defer span.End()

		var req createAccountRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		acc := domain.Account{
			Username: strings.TrimSpace(req.Username),
			Password: req.Password,
			APIKey:   strings.TrimSpace(req.APIKey),
		}
		span.SetAttributes(attribute.String("account.username", acc.Username))

		if err := mon.AddAccount(acc); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("account created",
			zap.String("username", acc.Username),
			zap.String("admin", AdminSubjectFromContext(r.Context())),
		)
		writeJSON(w, http.StatusCreated, domain.SuccessResponse{Message: "account created", ID: acc.Username})
	}
}

func updateAccountHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "PUT /v1/accounts/{username}")
		defer span.End()

		username := chi.URLParam(r, "username")
		var req updateAccountRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if req.Password == nil && req.APIKey == nil {
			writeError(w, http.StatusBadRequest, "nothing to update")
			return
		}
		if err := mon.UpdateAccount(username, req.Password, req.APIKey); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "account updated", ID: username})
	}
}

func deleteAccountHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "DELETE /v1/accounts/{username}")
		defer span.End()

		username := chi.URLParam(r, "username")
		if err := mon.RemoveAccount(username); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("account removed",
			zap.String("username", username),
			zap.String("admin", AdminSubjectFromContext(r.Context())),
		)
		w.WriteHeader(http.StatusNoContent)
	}
}

func resetAccountHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "POST /v1/accounts/{username}/reset")
		defer span.End()

		username := chi.URLParam(r, "username")
		if err := mon.ResetStatus(username); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		st, _ := mon.Status(username)
		writeJSON(w, http.StatusOK, st)
	}
}

func accountHistoryHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{username}/history")
		defer span.End()

		recs, err := mon.History(ctx, chi.URLParam(r, "username"), parseLimit(r, 50))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.CheckRecord]{Data: recs, Total: len(recs)})
	}
}

func historyHandler(mon *service.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/history")
		defer span.End()

		recs, err := mon.History(ctx, "", parseLimit(r, 50))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.CheckRecord]{Data: recs, Total: len(recs)})
	}
}
