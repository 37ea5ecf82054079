package service_test

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"
	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
)

// slowChecker succeeds after delay, except for accounts in stuck which block until release closes.
type slowChecker struct {
	delay   time.Duration
	stuck   map[string]bool
	release chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu       sync.Mutex
	timeouts []string
	ctxErrs  []error
}

func (c *slowChecker) CheckAccount(ctx context.Context, acc domain.Account) domain.CheckResult {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if c.stuck[acc.Username] {
		<-c.release
	} else {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
	c.mu.Unlock()
	return domain.CheckResult{Username: acc.Username, Balance: "$1.0", Success: true, Source: domain.SourceAPI}
}

func (c *slowChecker) MarkTimeout(username string, _ time.Duration) domain.CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts = append(c.timeouts, username)
	return domain.CheckResult{Username: username, Balance: domain.BalanceTimeout}
}

type fixedPoolStats struct{ rate float64 }

func (p fixedPoolStats) Stats() domain.PoolStats { return domain.PoolStats{ReuseRate: p.rate} }

func accounts(names ...string) []domain.Account {
	out := make([]domain.Account, len(names))
	for i, n := range names {
		out[i] = domain.Account{Username: n}
	}
	return out
}

func TestCheckAll_StuckAccountTimesOut(t *testing.T) {
	checker := &slowChecker{
		delay:   10 * time.Millisecond,
		stuck:   map[string]bool{"stuck": true},
		release: make(chan struct{}),
	}
	defer close(checker.release)
	metrics := observability.NewMetrics()
	c := service.NewCoordinator(checker, fixedPoolStats{rate: 75}, 3, 200*time.Millisecond, metrics, zap.NewNop())

	start := time.Now()
	results, stats := c.CheckAll(context.Background(), accounts("stuck", "a", "b", "c", "d"))
	elapsed := time.Since(start)

	require.Len(t, results, 5)
	assert.Less(t, elapsed, 2*time.Second, "the batch does not wait for the stuck check")
	assert.LessOrEqual(t, checker.maxInFlight.Load(), int32(3))

	byUser := map[string]domain.CheckResult{}
	for _, r := range results {
		byUser[r.Username] = r
	}
	assert.Equal(t, domain.CheckResult{Username: "stuck", Balance: domain.BalanceTimeout}, byUser["stuck"])
	for _, u := range []string{"a", "b", "c", "d"} {
		assert.True(t, byUser[u].Success, u)
	}
	assert.Equal(t, "stuck", results[len(results)-1].Username, "results arrive in completion order")

	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 4, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.TimedOut)
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, 75.0, stats.PoolReuseRate)
	assert.NotEmpty(t, stats.BatchID)
	assert.EqualValues(t, 1, metrics.Snapshot().Timeouts)
	assert.Equal(t, []string{"stuck"}, checker.timeouts)
}

func TestCheckAll_DetachesChecksFromCancellation(t *testing.T) {
	checker := &slowChecker{delay: 20 * time.Millisecond}
	c := service.NewCoordinator(checker, nil, 2, time.Second, observability.NewMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	results, stats := c.CheckAll(ctx, accounts("a", "b"))

	require.Len(t, results, 2)
	assert.Equal(t, 2, stats.Succeeded, "started checks finish despite cancellation")
	for _, err := range checker.ctxErrs {
		assert.NoError(t, err)
	}
}

func TestCheckAll_CancelledBeforeStartSkipsAccounts(t *testing.T) {
	checker := &slowChecker{}
	c := service.NewCoordinator(checker, nil, 1, time.Second, observability.NewMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, stats := c.CheckAll(ctx, accounts("a", "b"))

	require.Len(t, results, 2)
	assert.Equal(t, 2, stats.Failed)
	assert.Zero(t, checker.maxInFlight.Load())
}

func TestCheckAll_Empty(t *testing.T) {
	c := service.NewCoordinator(&slowChecker{}, nil, 3, time.Second, observability.NewMetrics(), zap.NewNop())

	results, stats := c.CheckAll(context.Background(), nil)

	assert.Empty(t, results)
	assert.Zero(t, stats.Total)
}

func TestWorkerCount(t *testing.T) {
	assert.Equal(t, 4, service.WorkerCount(config.PerformanceConfig{MaxWorkers: 4}))
	assert.Equal(t, 1, service.WorkerCount(config.PerformanceConfig{}))

	auto := service.WorkerCount(config.PerformanceConfig{MaxWorkers: 2, AutoDetectWorkers: true})
	assert.Equal(t, min(runtime.NumCPU(), 9), auto)
}
