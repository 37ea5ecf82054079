package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
	"github.com/GTJasonMK/AnyRounterTool/internal/testutil"
)

func newMonitor(t *testing.T, h *harness, accs *testutil.MemAccounts) *service.Monitor {
	t.Helper()
	r := h.resolver()
	return service.NewMonitor(service.MonitorDeps{
		Accounts:    accs,
		Board:       h.board,
		Checker:     r,
		Coordinator: service.NewCoordinator(r, h.pool, 2, time.Second, h.metrics, zap.NewNop()),
		Cache:       h.cache,
		Cycle:       h.cycle,
		Recorder:    h.recorder,
		Pool:        h.pool,
	}, zap.NewNop())
}

func TestMonitor_SeedsStatusesFromCache(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.cache.Put("alice", "$9.0", nil))
	require.NoError(t, h.cache.Put("ghost", "$1.0", nil))

	m := newMonitor(t, h, testutil.NewMemAccounts(
		domain.Account{Username: "alice"},
		domain.Account{Username: "bob"},
	))

	statuses := m.Statuses()
	require.Len(t, statuses, 2, "cache entries without an account are not shown")

	alice, err := m.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCached, alice.Status)
	assert.Equal(t, "$9.0", alice.Balance)
	assert.NotEmpty(t, alice.Extra[domain.ExtraCachedAt])

	bob, err := m.Status("bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, bob.Status)
	assert.Equal(t, domain.BalanceWaiting, bob.Balance)

	stats := m.Statistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, "0.0%", stats.SuccessRate)
}

func TestMonitor_AccountLifecycle(t *testing.T) {
	h := newHarness(t, 1)
	h.cycle = testutil.NewMemCycle("carol")
	m := newMonitor(t, h, testutil.NewMemAccounts())

	require.NoError(t, m.AddAccount(domain.Account{Username: "carol", Password: "pw"}))
	var conflict *domain.ErrConflict
	assert.True(t, errors.As(m.AddAccount(domain.Account{Username: "carol"}), &conflict))

	res, err := m.CheckAccount(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, res.Success)
	_, cached := h.cache.Get("carol")
	require.True(t, cached)

	key := "sk-c"
	require.NoError(t, m.UpdateAccount("carol", nil, &key))
	assert.Equal(t, "sk-c", m.Accounts()[0].APIKey)

	history, err := m.History(context.Background(), "carol", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	require.NoError(t, m.RemoveAccount("carol"))
	_, err = m.Status("carol")
	var notFound *domain.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
	_, cached = h.cache.Get("carol")
	assert.False(t, cached, "removal purges the cache")
	assert.False(t, h.cycle.ShouldForceSession("carol"))

	_, err = m.CheckAccount(context.Background(), "carol")
	assert.True(t, errors.As(err, &notFound))
	_, err = m.History(context.Background(), "carol", 10)
	assert.True(t, errors.As(err, &notFound))
}

func TestMonitor_ResetStatus(t *testing.T) {
	h := newHarness(t, 1)
	h.auth.Result.Success = false
	m := newMonitor(t, h, testutil.NewMemAccounts(domain.Account{Username: "alice"}))

	_, err := m.CheckAccount(context.Background(), "alice")
	require.NoError(t, err)
	st, _ := m.Status("alice")
	require.Equal(t, domain.StatusError, st.Status)

	require.NoError(t, m.ResetStatus("alice"))
	st, _ = m.Status("alice")
	assert.Equal(t, domain.StatusIdle, st.Status)
	assert.Zero(t, st.ErrorCount)

	var notFound *domain.ErrNotFound
	assert.True(t, errors.As(m.ResetStatus("nobody"), &notFound))
}

func TestMonitor_CheckAllAndStatistics(t *testing.T) {
	h := newHarness(t, 2)
	h.querier.Results["sk-b"] = domain.ApiBalanceResult{Success: true, Balance: 3}
	h.querier.Results["sk-c"] = domain.ApiBalanceResult{Message: "down"}
	h.cfg.FallbackToWeb = false
	m := newMonitor(t, h, testutil.NewMemAccounts(
		domain.Account{Username: "a"},
		domain.Account{Username: "b", APIKey: "sk-b"},
		domain.Account{Username: "c", APIKey: "sk-c"},
		domain.Account{Username: "d", APIKey: "sk-b"},
	))

	results, stats, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 4)
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.False(t, m.BatchRunning())

	s := m.Statistics()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 3, s.Normal)
	assert.Equal(t, 1, s.Error)
	assert.Equal(t, "75.0%", s.SuccessRate)
	assert.EqualValues(t, 1, s.Pool.Requests)
	assert.Len(t, m.CachedBalances(), 3)
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) CheckAccount(ctx context.Context, acc domain.Account) domain.CheckResult {
	close(b.started)
	<-b.release
	return domain.CheckResult{Username: acc.Username, Success: true}
}

func (b *blockingRunner) MarkTimeout(username string, _ time.Duration) domain.CheckResult {
	return domain.CheckResult{Username: username}
}

func TestMonitor_CheckAllRejectsOverlap(t *testing.T) {
	h := newHarness(t, 1)
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	m := service.NewMonitor(service.MonitorDeps{
		Accounts:    testutil.NewMemAccounts(domain.Account{Username: "a"}),
		Board:       h.board,
		Checker:     runner,
		Coordinator: service.NewCoordinator(runner, nil, 1, time.Minute, h.metrics, zap.NewNop()),
		Cache:       h.cache,
		Cycle:       h.cycle,
		Recorder:    h.recorder,
	}, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, _, err := m.CheckAll(context.Background())
		done <- err
	}()
	<-runner.started

	_, _, err := m.CheckAll(context.Background())
	var conflict *domain.ErrConflict
	assert.True(t, errors.As(err, &conflict))
	assert.True(t, m.BatchRunning())
	assert.Equal(t, domain.PoolStats{}, m.PoolStats())

	close(runner.release)
	require.NoError(t, <-done)
}
