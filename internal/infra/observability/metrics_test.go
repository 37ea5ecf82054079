package observability_test

import (
	"testing"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := observability.NewMetrics()

	m.RecordCheck("fast", domain.SourceAPI, observability.OutcomeOK, time.Second)
	m.RecordCheck("fast", domain.SourceAPI, observability.OutcomeOK, time.Second)
	m.RecordCheck("session", domain.SourceWeb, observability.OutcomeOK, 10*time.Second)
	m.RecordCheck("session", domain.SourceWeb, observability.OutcomeError, 10*time.Second)
	m.RecordCheck("fast", domain.SourceCache, observability.OutcomeOK, time.Second)
	m.IncrPoolEvent(observability.PoolCreated)
	m.RecordBatch(domain.BatchStats{Total: 3, Succeeded: 1, Failed: 2, TimedOut: 1, Duration: time.Minute})

	snap := m.Snapshot()
	assert.EqualValues(t, 4, snap.ChecksOK)
	assert.EqualValues(t, 1, snap.ChecksFailed)
	assert.EqualValues(t, 2, snap.FastPathHits)
	assert.EqualValues(t, 1, snap.SessionPathHits)
	assert.EqualValues(t, 1, snap.CacheFallbacks)
	assert.EqualValues(t, 1, snap.Timeouts)
	assert.EqualValues(t, 1, snap.SessionsCreated)
	assert.InDelta(t, 0.5, snap.FastPathHitRate, 1e-9)
}

func TestMetrics_RegistryGathers(t *testing.T) {
	m := observability.NewMetrics()
	m.SetPoolSessions(2, 1)
	m.ObservePoolWait(50 * time.Millisecond)
	m.IncrFastPath("billing", "hit")
	m.IncrPersistError("balance_cache")
	m.IncrRateLimitWait()

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["balance_session_pool_sessions"])
	assert.True(t, names["balance_fast_path_calls_total"])
	assert.True(t, names["balance_persist_errors_total"])
}
