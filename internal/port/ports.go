package port

import (
	"context"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
)

// ============================================================
// Automation driver
// ============================================================

// Session is one browser automation context. Every call is bounded by ctx
// and by the implementation's own per-operation timeouts.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	// Evaluate runs a script in the page and decodes its result into out.
	// Promises are awaited.
	Evaluate(ctx context.Context, script string, out any) error
	Exists(ctx context.Context, selector string) (bool, error)
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	WaitGone(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	// SendKeys clears the field matched by selector and types text into it.
	SendKeys(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	// Alive is the liveness check; it must fail fast on a dead browser.
	Alive(ctx context.Context) error
	// Reset clears cookies and storage, closes extra windows and parks on about:blank.
	Reset(ctx context.Context) error
	Close() error
}

// SessionFactory creates fresh automation sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Lease is a session checked out of the pool.
type Lease interface {
	ID() string
	Session() Session
}

// SessionPool hands out reusable sessions.
type SessionPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (Lease, error)
	Release(lease Lease)
	Stats() domain.PoolStats
}

// ============================================================
// Resolution collaborators
// ============================================================

// BalanceQuerier is the fast path. It never returns an error; failures are
// reported through ApiBalanceResult.Success and Message.
type BalanceQuerier interface {
	Query(ctx context.Context, apiKey string) domain.ApiBalanceResult
}

// LoginResult is the outcome of an authentication run.
type LoginResult struct {
	Success bool
	Message string
	Err     error
}

// Authenticator drives a session through the login flow.
type Authenticator interface {
	Login(ctx context.Context, s Session, username, password string) LoginResult
}

// ExtractResult is the outcome of balance extraction.
type ExtractResult struct {
	Text     string
	Success  bool
	Strategy string
}

// BalanceExtractor reads the balance from an authenticated page.
type BalanceExtractor interface {
	Extract(ctx context.Context, s Session) ExtractResult
}

// QuotaSyncer aligns the first API key's quota with the freshly read balance.
type QuotaSyncer interface {
	Sync(ctx context.Context, s Session, balance string) domain.SyncOutcome
}

// ============================================================
// Persistence
// ============================================================

// CycleTracker gates one authoritative session check per service day.
type CycleTracker interface {
	ShouldForceSession(username string) bool
	MarkSessionSuccess(username string) error
	Forget(username string) error
}

// BalanceCache holds the last known good balance per account.
type BalanceCache interface {
	Get(username string) (domain.BalanceCacheRecord, bool)
	Put(username, balance string, outcome *domain.SyncOutcome) error
	Delete(username string) error
	Snapshot() map[string]domain.BalanceCacheRecord
}

// Recorder stores check history.
type Recorder interface {
	Record(ctx context.Context, rec domain.CheckRecord) error
	Recent(ctx context.Context, username string, limit int) ([]domain.CheckRecord, error)
	Close() error
}

// AccountRepository is the durable account list.
type AccountRepository interface {
	List() []domain.Account
	Get(username string) (domain.Account, bool)
	Add(acc domain.Account) error
	Update(username string, password, apiKey *string) error
	Remove(username string) error
}

// EventSink receives per-account results as they complete.
type EventSink interface {
	Publish(result domain.CheckResult)
}
