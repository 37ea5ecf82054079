package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

var tracer = otel.Tracer("service/resolver")

// Resolution paths used as metric labels.
const (
	pathFastPath = "fast_path"
	pathSession  = "session"
)

const sessionDetail = "browser_login_flow"

// ResolverConfig switches the optional steps of a resolution.
type ResolverConfig struct {
	AcquireTimeout     time.Duration
	FallbackToWeb      bool
	PostSessionRefresh bool
}

// ResolverDeps are the collaborators of a Resolver. Syncer may be nil to
// disable the quota sync side task.
type ResolverDeps struct {
	Board     *StatusBoard
	Querier   port.BalanceQuerier
	Pool      port.SessionPool
	Auth      port.Authenticator
	Extractor port.BalanceExtractor
	Syncer    port.QuotaSyncer
	Cycle     port.CycleTracker
	Cache     port.BalanceCache
	Recorder  port.Recorder
	Events    port.EventSink
	Metrics   *observability.Metrics
}

// Resolver decides per account between the API fast path and a full browser
// session, and writes the outcome to the status board, cache and history.
type Resolver struct {
	deps   ResolverDeps
	cfg    ResolverConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver with all dependencies injected.
func NewResolver(deps ResolverDeps, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	return &Resolver{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// resolution carries what CheckAccount learned, for history and metrics.
type resolution struct {
	path   string
	source string
	detail string
	err    error
}

// CheckAccount resolves the balance of one account. It never panics and
// never returns an error: failures are reflected in the result and status.
func (r *Resolver) CheckAccount(ctx context.Context, acc domain.Account) (result domain.CheckResult) {
	ctx, span := tracer.Start(ctx, "Resolver.CheckAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account.username", acc.Username))

	start := r.now()
	res := resolution{path: pathFastPath, source: domain.SourceAPI}

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic during check: %v", p)
			r.logger.Error("account check panicked",
				zap.String("username", acc.Username),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			r.deps.Board.markFailed(acc.Username, domain.BalanceError, res.source, res.detail, err, nil)
			result = domain.CheckResult{Username: acc.Username, Balance: domain.BalanceError, Source: res.source}
			res.err = err
		}
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, string(domain.KindOf(res.err)))
		}
		span.SetAttributes(
			attribute.String("check.source", result.Source),
			attribute.Bool("check.success", result.Success),
		)
		r.finish(ctx, result, res, r.now().Sub(start))
	}()

	r.deps.Board.markChecking(acc.Username)

	force := r.deps.Cycle.ShouldForceSession(acc.Username)
	if force {
		r.logger.Info("first check of the service day, forcing session",
			zap.String("username", acc.Username))
	}

	if !force && acc.HasAPIKey() {
		api := r.deps.Querier.Query(ctx, acc.APIKey)
		if api.Success {
			return r.fastPathSucceeded(acc, api, &res)
		}
		if !r.cfg.FallbackToWeb {
			return r.fastPathFailed(acc, api, &res)
		}
		r.logger.Debug("fast path failed, falling back to session",
			zap.String("username", acc.Username),
			zap.String("reason", api.Message),
		)
	}

	return r.viaSession(ctx, acc, &res)
}

func (r *Resolver) fastPathSucceeded(acc domain.Account, api domain.ApiBalanceResult, res *resolution) domain.CheckResult {
	balance := domain.FormatUSD(api.Balance)
	res.detail = api.Source
	r.logger.Info("fast path succeeded",
		zap.String("username", acc.Username),
		zap.String("balance", balance),
		zap.String("source", api.Source),
	)

	r.deps.Board.markOK(acc.Username, balance, domain.SourceAPI, api.Source)
	r.putCache(acc.Username, balance, nil)
	return domain.CheckResult{Username: acc.Username, Balance: balance, Success: true, Source: domain.SourceAPI}
}

// fastPathFailed answers from the cache when session fallback is disabled.
func (r *Resolver) fastPathFailed(acc domain.Account, api domain.ApiBalanceResult, res *resolution) domain.CheckResult {
	res.detail = fmt.Sprintf("%s|no_web_fallback|%s", api.Source, api.Message)
	r.logger.Warn("fast path failed and session fallback is disabled",
		zap.String("username", acc.Username),
		zap.String("reason", api.Message),
	)

	if rec, ok := r.deps.Cache.Get(acc.Username); ok && rec.Balance != "" {
		res.source = domain.SourceCache
		r.deps.Board.markOK(acc.Username, rec.Balance, domain.SourceCache, res.detail)
		r.deps.Board.update(acc.Username, func(st *domain.AccountStatus) {
			st.Extra[domain.ExtraCachedAt] = rec.UpdatedAt
		})
		r.logger.Info("answered from cache", zap.String("username", acc.Username), zap.String("balance", rec.Balance))
		return domain.CheckResult{Username: acc.Username, Balance: rec.Balance, Success: true, Source: domain.SourceCache}
	}

	res.err = &domain.ErrTransientNetwork{Op: "fast path", Err: errors.New(api.Message)}
	r.deps.Board.markFailed(acc.Username, domain.BalanceAPIFailed, domain.SourceAPI, res.detail, res.err, nil)
	return domain.CheckResult{Username: acc.Username, Balance: domain.BalanceAPIFailed, Source: domain.SourceAPI}
}

// viaSession logs in with a pooled browser session and reads the balance from the page.
func (r *Resolver) viaSession(ctx context.Context, acc domain.Account, res *resolution) domain.CheckResult {
	res.path, res.source, res.detail = pathSession, domain.SourceWeb, sessionDetail

	lease, err := r.deps.Pool.Acquire(ctx, r.cfg.AcquireTimeout)
	if err != nil {
		return r.sessionFailed(acc, domain.BalanceError, err, res)
	}
	defer r.deps.Pool.Release(lease)

	log := r.logger.With(zap.String("username", acc.Username), zap.String("session_id", lease.ID()))
	s := lease.Session()

	login := r.deps.Auth.Login(ctx, s, acc.Username, acc.Password)
	if !login.Success {
		cause := login.Err
		if cause == nil {
			cause = &domain.ErrCredential{Message: login.Message}
		}
		log.Warn("login failed", zap.String("kind", string(domain.KindOf(cause))), zap.Error(cause))
		return r.sessionFailed(acc, domain.BalanceError, cause, res)
	}

	ex := r.deps.Extractor.Extract(ctx, s)
	if !ex.Success {
		cause := &domain.ErrStructural{Step: "extract", Message: "balance not found: " + ex.Text}
		log.Warn("balance extraction failed", zap.String("balance", ex.Text))
		return r.sessionFailed(acc, ex.Text, cause, res)
	}
	balance := ex.Text
	res.detail = sessionDetail + ":" + ex.Strategy

	if err := r.deps.Cycle.MarkSessionSuccess(acc.Username); err != nil {
		log.Warn("failed to persist daily cycle", zap.Error(err))
		r.deps.Metrics.IncrPersistError("daily_cycle")
	}

	var synced *domain.SyncOutcome
	if r.deps.Syncer != nil {
		out := r.deps.Syncer.Sync(ctx, s, balance)
		synced = &out
		if out.Success {
			log.Info("api key quota synced")
		} else {
			log.Warn("api key quota sync failed", zap.String("message", out.Message))
		}
	}

	source := domain.SourceWeb
	if r.cfg.PostSessionRefresh && acc.HasAPIKey() {
		api := r.deps.Querier.Query(ctx, acc.APIKey)
		if api.Success {
			balance = domain.FormatUSD(api.Balance)
			source = domain.SourceAPI
			res.detail = api.Source + "|post_web_refresh"
			log.Info("post-session refresh succeeded", zap.String("balance", balance), zap.String("source", api.Source))
		} else {
			log.Debug("post-session refresh failed, keeping page value", zap.String("reason", api.Message))
		}
	}

	r.putCache(acc.Username, balance, synced)
	r.deps.Board.markOK(acc.Username, balance, source, res.detail)
	log.Info("session check succeeded", zap.String("balance", balance), zap.String("strategy", ex.Strategy))
	return domain.CheckResult{Username: acc.Username, Balance: balance, Success: true, Source: source}
}

// sessionFailed marks the account failed while keeping the last good balance visible.
// The cache and the daily cycle are left untouched.
func (r *Resolver) sessionFailed(acc domain.Account, balance string, cause error, res *resolution) domain.CheckResult {
	res.err = cause
	var stale *domain.BalanceCacheRecord
	if rec, ok := r.deps.Cache.Get(acc.Username); ok && rec.Balance != "" {
		stale = &rec
	}
	r.deps.Board.markFailed(acc.Username, balance, domain.SourceWeb, res.detail, cause, stale)
	return domain.CheckResult{Username: acc.Username, Balance: balance, Source: domain.SourceWeb}
}

// MarkTimeout flags an account whose check outlived the per-account timeout.
// The check itself keeps running and overwrites this once it finishes.
func (r *Resolver) MarkTimeout(username string, after time.Duration) domain.CheckResult {
	err := &domain.ErrTransientNetwork{Op: "check account", Err: fmt.Errorf("timed out after %s", after)}
	var stale *domain.BalanceCacheRecord
	if rec, ok := r.deps.Cache.Get(username); ok && rec.Balance != "" {
		stale = &rec
	}
	r.deps.Board.markFailed(username, domain.BalanceTimeout, "", "timeout", err, stale)
	r.logger.Warn("account check timed out", zap.String("username", username), zap.Duration("after", after))

	result := domain.CheckResult{Username: username, Balance: domain.BalanceTimeout}
	r.deps.Events.Publish(result)
	return result
}

func (r *Resolver) putCache(username, balance string, synced *domain.SyncOutcome) {
	if err := r.deps.Cache.Put(username, balance, synced); err != nil {
		r.logger.Warn("failed to persist balance cache", zap.String("username", username), zap.Error(err))
		r.deps.Metrics.IncrPersistError("balance_cache")
	}
}

// finish records history, metrics and the result event of one check.
func (r *Resolver) finish(ctx context.Context, result domain.CheckResult, res resolution, d time.Duration) {
	outcome := observability.OutcomeOK
	if !result.Success {
		outcome = observability.OutcomeError
	}
	source := result.Source
	if source == "" {
		source = res.source
	}
	r.deps.Metrics.RecordCheck(res.path, source, outcome, d)

	rec := domain.CheckRecord{
		Username:  result.Username,
		Balance:   result.Balance,
		Success:   result.Success,
		Source:    source,
		Detail:    res.detail,
		ErrorKind: domain.KindOf(res.err),
		Duration:  d,
		CheckedAt: r.now(),
	}
	if err := r.deps.Recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record check history", zap.String("username", result.Username), zap.Error(err))
		r.deps.Metrics.IncrPersistError("history")
	}

	r.deps.Events.Publish(result)
}
