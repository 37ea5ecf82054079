package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

// MonitorDeps are the collaborators of a Monitor. Pool may be nil.
type MonitorDeps struct {
	Accounts    port.AccountRepository
	Board       *StatusBoard
	Checker     AccountChecker
	Coordinator *Coordinator
	Cache       port.BalanceCache
	Cycle       port.CycleTracker
	Recorder    port.Recorder
	Pool        PoolStatsSource
}

// Monitor is the entry point used by the HTTP handlers, the scheduler and
// the CLI. It ties account management to status, cache and history.
type Monitor struct {
	deps    MonitorDeps
	logger  *zap.Logger
	running atomic.Bool
}

// NewMonitor creates a Monitor and seeds the status board from the account
// list, showing cached balances until the first check runs.
func NewMonitor(deps MonitorDeps, logger *zap.Logger) *Monitor {
	m := &Monitor{deps: deps, logger: logger}

	cached := deps.Cache.Snapshot()
	seeded := 0
	for _, acc := range deps.Accounts.List() {
		deps.Board.Ensure(acc.Username)
		if rec, ok := cached[acc.Username]; ok && rec.Balance != "" {
			deps.Board.Seed(acc.Username, rec)
			seeded++
		}
	}
	logger.Info("monitor ready",
		zap.Int("accounts", deps.Board.Len()),
		zap.Int("seeded_from_cache", seeded),
	)
	return m
}

// ============================================================
// Account management
// ============================================================

func (m *Monitor) Accounts() []domain.Account {
	return m.deps.Accounts.List()
}

// Account returns one account by username.
func (m *Monitor) Account(username string) (domain.Account, error) {
	acc, ok := m.deps.Accounts.Get(username)
	if !ok {
		return domain.Account{}, &domain.ErrNotFound{Resource: "account", ID: username}
	}
	return acc, nil
}

func (m *Monitor) AddAccount(acc domain.Account) error {
	if err := m.deps.Accounts.Add(acc); err != nil {
		return err
	}
	m.deps.Board.Ensure(acc.Username)
	return nil
}

// UpdateAccount changes the non-nil credentials of an account.
func (m *Monitor) UpdateAccount(username string, password, apiKey *string) error {
	return m.deps.Accounts.Update(username, password, apiKey)
}

// RemoveAccount deletes the account and every piece of state kept for it.
func (m *Monitor) RemoveAccount(username string) error {
	if err := m.deps.Accounts.Remove(username); err != nil {
		return err
	}
	m.deps.Board.Remove(username)
	if err := m.deps.Cache.Delete(username); err != nil {
		m.logger.Warn("failed to purge cached balance", zap.String("username", username), zap.Error(err))
	}
	if err := m.deps.Cycle.Forget(username); err != nil {
		m.logger.Warn("failed to purge daily cycle record", zap.String("username", username), zap.Error(err))
	}
	return nil
}

// ============================================================
// Status
// ============================================================

func (m *Monitor) ResetStatus(username string) error {
	if !m.deps.Board.Reset(username) {
		return &domain.ErrNotFound{Resource: "account", ID: username}
	}
	m.logger.Info("account status reset", zap.String("username", username))
	return nil
}

func (m *Monitor) Status(username string) (domain.AccountStatus, error) {
	st, ok := m.deps.Board.Get(username)
	if !ok {
		return domain.AccountStatus{}, &domain.ErrNotFound{Resource: "account", ID: username}
	}
	return st, nil
}

func (m *Monitor) Statuses() []domain.AccountStatus {
	return m.deps.Board.All()
}

// Statistics aggregates the board. The success rate is the share of accounts
// currently OK, formatted as "x.y%".
func (m *Monitor) Statistics() domain.Statistics {
	var s domain.Statistics
	for _, st := range m.deps.Board.All() {
		s.Total++
		switch st.Status {
		case domain.StatusOK:
			s.Normal++
		case domain.StatusError:
			s.Error++
		case domain.StatusChecking:
			s.Checking++
		case domain.StatusCached:
			s.Cached++
		}
	}
	s.SuccessRate = "0%"
	if s.Total > 0 {
		s.SuccessRate = fmt.Sprintf("%.1f%%", float64(s.Normal)/float64(s.Total)*100)
	}
	s.Pool = m.PoolStats()
	return s
}

func (m *Monitor) PoolStats() domain.PoolStats {
	if m.deps.Pool == nil {
		return domain.PoolStats{}
	}
	return m.deps.Pool.Stats()
}

func (m *Monitor) CachedBalances() map[string]domain.BalanceCacheRecord {
	return m.deps.Cache.Snapshot()
}

// ============================================================
// Checks
// ============================================================

// CheckAccount resolves one account by username.
func (m *Monitor) CheckAccount(ctx context.Context, username string) (domain.CheckResult, error) {
	acc, err := m.Account(username)
	if err != nil {
		return domain.CheckResult{}, err
	}
	return m.deps.Checker.CheckAccount(ctx, acc), nil
}

// CheckAll runs one batch over every account. Overlapping batches are
// rejected with *domain.ErrConflict.
func (m *Monitor) CheckAll(ctx context.Context) ([]domain.CheckResult, domain.BatchStats, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, domain.BatchStats{}, &domain.ErrConflict{Message: "a check batch is already running"}
	}
	defer m.running.Store(false)

	results, stats := m.deps.Coordinator.CheckAll(ctx, m.deps.Accounts.List())
	return results, stats, nil
}

// BatchRunning reports whether a batch is in progress.
func (m *Monitor) BatchRunning() bool {
	return m.running.Load()
}

// History returns the most recent check records, newest first.
func (m *Monitor) History(ctx context.Context, username string, limit int) ([]domain.CheckRecord, error) {
	if username != "" {
		if _, ok := m.deps.Accounts.Get(username); !ok {
			return nil, &domain.ErrNotFound{Resource: "account", ID: username}
		}
	}
	recs, err := m.deps.Recorder.Recent(ctx, username, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return recs, nil
}
