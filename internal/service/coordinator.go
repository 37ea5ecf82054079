package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"
	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
)

const maxAutoWorkers = 9

// AccountChecker resolves one account and marks accounts whose check ran too long.
type AccountChecker interface {
	CheckAccount(ctx context.Context, acc domain.Account) domain.CheckResult
	MarkTimeout(username string, after time.Duration) domain.CheckResult
}

// PoolStatsSource exposes session pool statistics for batch reports.
type PoolStatsSource interface {
	Stats() domain.PoolStats
}

// WorkerCount returns the batch concurrency for perf: min(NumCPU, 9) when
// auto-detection is on, MaxWorkers otherwise.
func WorkerCount(perf config.PerformanceConfig) int {
	n := perf.MaxWorkers
	if perf.AutoDetectWorkers {
		n = min(runtime.NumCPU(), maxAutoWorkers)
	}
	return max(n, 1)
}

// Coordinator runs batches of account checks on a bounded worker pool.
type Coordinator struct {
	checker AccountChecker
	pool    PoolStatsSource
	workers int
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCoordinator creates a Coordinator. pool may be nil.
func NewCoordinator(checker AccountChecker, pool PoolStatsSource, workers int, accountTimeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		checker: checker,
		pool:    pool,
		workers: max(workers, 1),
		timeout: accountTimeout,
		metrics: metrics,
		logger:  logger,
	}
}

// CheckAll checks every account and returns the results in completion order.
// A failing or stuck account never aborts the batch.
func (c *Coordinator) CheckAll(ctx context.Context, accounts []domain.Account) ([]domain.CheckResult, domain.BatchStats) {
	ctx, span := tracer.Start(ctx, "Coordinator.CheckAll")
	defer span.End()

	stats := domain.BatchStats{
		BatchID: uuid.NewString(),
		Total:   len(accounts),
		Workers: c.workers,
	}
	span.SetAttributes(
		attribute.String("batch.id", stats.BatchID),
		attribute.Int("batch.accounts", len(accounts)),
		attribute.Int("batch.workers", c.workers),
	)
	log := c.logger.With(zap.String("batch_id", stats.BatchID))

	if len(accounts) == 0 {
		log.Warn("no accounts to check")
		return nil, stats
	}
	log.Info("batch started", zap.Int("accounts", len(accounts)), zap.Int("workers", c.workers))

	start := time.Now()
	var (
		mu      sync.Mutex
		results = make([]domain.CheckResult, 0, len(accounts))
	)

	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for _, acc := range accounts {
		g.Go(func() error {
			res, timedOut := c.checkOne(ctx, acc)

			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			switch {
			case res.Success:
				stats.Succeeded++
			case timedOut:
				stats.Failed++
				stats.TimedOut++
			default:
				stats.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(start)
	if secs := stats.Duration.Seconds(); secs > 0 {
		stats.Throughput = float64(stats.Total) / secs
	}
	if c.pool != nil {
		stats.PoolReuseRate = c.pool.Stats().ReuseRate
	}
	c.metrics.RecordBatch(stats)

	log.Info("batch finished",
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("timed_out", stats.TimedOut),
		zap.Duration("duration", stats.Duration),
		zap.Float64("accounts_per_second", stats.Throughput),
		zap.Float64("pool_reuse_rate", stats.PoolReuseRate),
	)
	return results, stats
}

// checkOne runs a single check detached from ctx cancellation and waits for it
// at most the per-account timeout. A timed-out check keeps running in the
// background and releases its session when it ends.
func (c *Coordinator) checkOne(ctx context.Context, acc domain.Account) (domain.CheckResult, bool) {
	if ctx.Err() != nil {
		return domain.CheckResult{Username: acc.Username, Balance: domain.BalanceError}, false
	}

	done := make(chan domain.CheckResult, 1)
	go func() {
		done <- c.checker.CheckAccount(context.WithoutCancel(ctx), acc)
	}()

	if c.timeout <= 0 {
		return <-done, false
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, false
	case <-timer.C:
		return c.checker.MarkTimeout(acc.Username, c.timeout), true
	}
}
