package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"
	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/resilience"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/sessionpool"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
	"github.com/GTJasonMK/AnyRounterTool/internal/testutil"
)

// harness wires a Resolver to in-memory collaborators and a real pool of fake sessions.
type harness struct {
	board    *service.StatusBoard
	querier  *testutil.StubQuerier
	factory  *testutil.FakeFactory
	pool     *sessionpool.Pool
	auth     *testutil.StubAuthenticator
	extract  *testutil.StubExtractor
	syncer   *testutil.StubSyncer
	cycle    *testutil.MemCycle
	cache    *testutil.MemCache
	recorder *testutil.MemRecorder
	events   *testutil.EventLog
	metrics  *observability.Metrics
	cfg      service.ResolverConfig
}

func newHarness(t *testing.T, maxSessions int) *harness {
	t.Helper()
	h := &harness{
		board:    service.NewStatusBoard(),
		querier:  &testutil.StubQuerier{Results: map[string]domain.ApiBalanceResult{}},
		factory:  &testutil.FakeFactory{},
		auth:     &testutil.StubAuthenticator{Result: port.LoginResult{Success: true}},
		extract:  &testutil.StubExtractor{Result: port.ExtractResult{Text: "$20.0", Success: true, Strategy: "known_selectors"}},
		cycle:    testutil.NewMemCycle(),
		cache:    testutil.NewMemCache(),
		recorder: &testutil.MemRecorder{},
		events:   &testutil.EventLog{},
		metrics:  observability.NewMetrics(),
		cfg: service.ResolverConfig{
			AcquireTimeout:     time.Second,
			FallbackToWeb:      true,
			PostSessionRefresh: true,
		},
	}
	h.pool = sessionpool.New(context.Background(), h.factory,
		config.PoolConfig{MaxSize: maxSessions, PrewarmWorkers: 1, AcquireTimeout: time.Second},
		h.metrics, zap.NewNop(), sessionpool.WithCreateRetry(resilience.Config{}))
	t.Cleanup(h.pool.Shutdown)
	return h
}

func (h *harness) resolver() *service.Resolver {
	deps := service.ResolverDeps{
		Board:     h.board,
		Querier:   h.querier,
		Pool:      h.pool,
		Auth:      h.auth,
		Extractor: h.extract,
		Cycle:     h.cycle,
		Cache:     h.cache,
		Recorder:  h.recorder,
		Events:    h.events,
		Metrics:   h.metrics,
	}
	if h.syncer != nil {
		deps.Syncer = h.syncer
	}
	return service.NewResolver(deps, h.cfg, zap.NewNop())
}

func TestCheckAccount_NoAPIKeyTakesSessionPath(t *testing.T) {
	h := newHarness(t, 2)
	acc := domain.Account{Username: "alice", Password: "pw"}

	got := h.resolver().CheckAccount(context.Background(), acc)

	assert.Equal(t, domain.CheckResult{Username: "alice", Balance: "$20.0", Success: true, Source: domain.SourceWeb}, got)
	assert.Zero(t, h.querier.Count())
	assert.Equal(t, 1, h.auth.Count())
	assert.Equal(t, []string{"alice"}, h.cycle.MarkedUsers())

	rec, ok := h.cache.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "$20.0", rec.Balance)
	assert.Nil(t, rec.SyncSuccess)

	st, ok := h.board.Get("alice")
	require.True(t, ok)
	assert.Equal(t, domain.StatusOK, st.Status)
	assert.Equal(t, domain.SourceWeb, st.Extra[domain.ExtraQuerySource])
	assert.Equal(t, "browser_login_flow:known_selectors", st.Extra[domain.ExtraQuerySourceDetail])

	stats := h.pool.Stats()
	assert.EqualValues(t, 1, stats.Requests)
	assert.Equal(t, 0, stats.Busy, "session released")
	assert.Equal(t, 1, h.factory.Sessions()[0].Resets)

	history := h.recorder.All()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, domain.SourceWeb, history[0].Source)
	assert.Equal(t, []domain.CheckResult{got}, h.events.All())
}

func TestCheckAccount_FastPathSuccess(t *testing.T) {
	h := newHarness(t, 1)
	h.querier.Results["sk-a"] = domain.ApiBalanceResult{Success: true, Balance: 8.5, Source: "billing:subscription+usage"}

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice", APIKey: "sk-a"})

	assert.Equal(t, "$8.5", got.Balance)
	assert.True(t, got.Success)
	assert.Equal(t, domain.SourceAPI, got.Source)
	assert.Zero(t, h.pool.Stats().Requests)
	assert.Zero(t, h.auth.Count())
	assert.Empty(t, h.cycle.MarkedUsers())

	st, _ := h.board.Get("alice")
	assert.Equal(t, "billing:subscription+usage", st.Extra[domain.ExtraQuerySourceDetail])
	assert.Equal(t, 1, h.cache.PutCount())
	assert.EqualValues(t, 1, h.metrics.Snapshot().FastPathHits)
}

func TestCheckAccount_FallbackDisabledUsesCache(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.FallbackToWeb = false
	require.NoError(t, h.cache.Put("alice", "$12.3", nil))
	h.querier.Results["sk-a"] = domain.ApiBalanceResult{Source: "/api/user/self", Message: "HTTP 500"}

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice", APIKey: "sk-a"})

	assert.Equal(t, "$12.3", got.Balance)
	assert.True(t, got.Success)
	assert.Zero(t, h.pool.Stats().Requests, "no session acquired")
	assert.Zero(t, h.auth.Count())

	st, _ := h.board.Get("alice")
	assert.Equal(t, domain.StatusOK, st.Status)
	assert.Zero(t, st.ErrorCount)
	assert.Equal(t, "/api/user/self|no_web_fallback|HTTP 500", st.Extra[domain.ExtraQuerySourceDetail])
	assert.NotEmpty(t, st.Extra[domain.ExtraCachedAt])
	assert.EqualValues(t, 1, h.metrics.Snapshot().CacheFallbacks)
}

func TestCheckAccount_FallbackDisabledWithoutCache(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.FallbackToWeb = false
	h.querier.Results["sk-a"] = domain.ApiBalanceResult{Message: "all endpoints failed"}
	r := h.resolver()
	acc := domain.Account{Username: "alice", APIKey: "sk-a"}

	got := r.CheckAccount(context.Background(), acc)
	r.CheckAccount(context.Background(), acc)

	assert.Equal(t, domain.BalanceAPIFailed, got.Balance)
	assert.False(t, got.Success)
	assert.Zero(t, h.pool.Stats().Requests)

	st, _ := h.board.Get("alice")
	assert.Equal(t, domain.StatusError, st.Status)
	assert.Equal(t, 2, st.ErrorCount)
	assert.Equal(t, domain.KindTransientNetwork, h.recorder.All()[0].ErrorKind)
}

func TestCheckAccount_FastPathFailureFallsBackToSession(t *testing.T) {
	h := newHarness(t, 1)
	h.querier.Results["sk-a"] = domain.ApiBalanceResult{Message: "unauthorized"}

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice", APIKey: "sk-a"})

	assert.True(t, got.Success)
	assert.Equal(t, "$20.0", got.Balance)
	assert.Equal(t, 2, h.querier.Count(), "fast path plus post-session refresh")
	assert.Equal(t, 1, h.auth.Count())
}

func TestCheckAccount_ForcedSessionWithPostRefresh(t *testing.T) {
	h := newHarness(t, 1)
	h.cycle = testutil.NewMemCycle("alice")
	h.syncer = &testutil.StubSyncer{Outcome: domain.SyncOutcome{Success: true, Message: "quota set"}}
	h.querier.Results["sk-a"] = domain.ApiBalanceResult{Success: true, Balance: 19.94, Source: "body:data.quota"}

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice", APIKey: "sk-a"})

	assert.Equal(t, "$19.9", got.Balance, "refresh overrides the page value")
	assert.Equal(t, domain.SourceAPI, got.Source)
	assert.Equal(t, 1, h.querier.Count(), "forced day skips the fast path")
	assert.Equal(t, 1, h.auth.Count())
	assert.Equal(t, []string{"$20.0"}, h.syncer.Balances, "sync uses the page value")
	assert.Equal(t, []string{"alice"}, h.cycle.MarkedUsers())

	rec, _ := h.cache.Get("alice")
	assert.Equal(t, "$19.9", rec.Balance)
	require.NotNil(t, rec.SyncSuccess)
	assert.True(t, *rec.SyncSuccess)
	assert.Equal(t, "quota set", rec.SyncMessage)

	st, _ := h.board.Get("alice")
	assert.Equal(t, "body:data.quota|post_web_refresh", st.Extra[domain.ExtraQuerySourceDetail])
}

func TestCheckAccount_PostRefreshDisabledKeepsPageValue(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.PostSessionRefresh = false
	h.cycle = testutil.NewMemCycle("alice")
	h.querier.Results["sk-a"] = domain.ApiBalanceResult{Success: true, Balance: 1}

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice", APIKey: "sk-a"})

	assert.Equal(t, "$20.0", got.Balance)
	assert.Zero(t, h.querier.Count())
}

func TestCheckAccount_LoginFailureKeepsStaleBalance(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.cache.Put("alice", "$5.0", nil))
	h.auth.Result = port.LoginResult{Message: "Invalid password", Err: &domain.ErrCredential{Message: "Invalid password"}}

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice", Password: "bad"})

	assert.Equal(t, domain.CheckResult{Username: "alice", Balance: domain.BalanceError, Source: domain.SourceWeb}, got)
	assert.Equal(t, 1, h.cache.PutCount(), "cache untouched by the failure")
	assert.Empty(t, h.cycle.MarkedUsers())

	st, _ := h.board.Get("alice")
	assert.Equal(t, domain.StatusError, st.Status)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, "$5.0", st.Extra[domain.ExtraLastKnownBalance])
	assert.NotEmpty(t, st.Extra[domain.ExtraCachedAt])
	assert.Equal(t, "Invalid password", st.Extra[domain.ExtraLastError])
	assert.Equal(t, domain.KindCredential, h.recorder.All()[0].ErrorKind)
	assert.Equal(t, 0, h.pool.Stats().Busy)
}

func TestCheckAccount_ExtractionMiss(t *testing.T) {
	h := newHarness(t, 1)
	h.extract.Result = port.ExtractResult{Text: domain.BalanceNoData}

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice"})

	assert.False(t, got.Success)
	assert.Equal(t, domain.BalanceNoData, got.Balance)
	assert.Empty(t, h.cycle.MarkedUsers())
	assert.Zero(t, h.cache.PutCount())
	assert.Equal(t, domain.KindStructural, h.recorder.All()[0].ErrorKind)
}

func TestCheckAccount_PoolExhausted(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.AcquireTimeout = 20 * time.Millisecond
	held, err := h.pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer h.pool.Release(held)

	got := h.resolver().CheckAccount(context.Background(), domain.Account{Username: "alice"})

	assert.False(t, got.Success)
	assert.Equal(t, domain.BalanceError, got.Balance)
	assert.Zero(t, h.auth.Count())
	assert.Equal(t, domain.KindResourceExhausted, h.recorder.All()[0].ErrorKind)
}

type panickingExtractor struct{}

func (panickingExtractor) Extract(context.Context, port.Session) port.ExtractResult {
	panic("page exploded")
}

func TestCheckAccount_RecoversPanics(t *testing.T) {
	h := newHarness(t, 1)
	r := service.NewResolver(service.ResolverDeps{
		Board:     h.board,
		Querier:   h.querier,
		Pool:      h.pool,
		Auth:      h.auth,
		Extractor: panickingExtractor{},
		Cycle:     h.cycle,
		Cache:     h.cache,
		Recorder:  h.recorder,
		Events:    h.events,
		Metrics:   h.metrics,
	}, h.cfg, zap.NewNop())

	var got domain.CheckResult
	require.NotPanics(t, func() {
		got = r.CheckAccount(context.Background(), domain.Account{Username: "alice"})
	})

	assert.False(t, got.Success)
	assert.Equal(t, domain.BalanceError, got.Balance)
	st, _ := h.board.Get("alice")
	assert.Equal(t, domain.StatusError, st.Status)
	assert.Contains(t, st.Extra[domain.ExtraLastError], "page exploded")
	assert.Equal(t, 0, h.pool.Stats().Busy, "deferred release still runs")
	assert.Len(t, h.events.All(), 1)
}

func TestMarkTimeout(t *testing.T) {
	h := newHarness(t, 1)
	h.board.Ensure("alice")

	got := h.resolver().MarkTimeout("alice", 90*time.Second)

	assert.Equal(t, domain.CheckResult{Username: "alice", Balance: domain.BalanceTimeout}, got)
	st, _ := h.board.Get("alice")
	assert.Equal(t, domain.StatusError, st.Status)
	assert.Equal(t, domain.BalanceTimeout, st.Balance)
	assert.Contains(t, st.Extra[domain.ExtraLastError], "timed out after 1m30s")
}
