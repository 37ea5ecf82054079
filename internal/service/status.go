package service

import (
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/cache"
)

// StatusBoard is the live per-account status map. One lock guards the whole
// map; readers always get deep copies.
type StatusBoard struct {
	store *cache.Store[domain.AccountStatus]
	now   func() time.Time
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{store: cache.New[domain.AccountStatus](0), now: time.Now}
}

// Ensure creates an idle status for username unless one exists.
func (b *StatusBoard) Ensure(username string) {
	b.store.Update(username, func(cur domain.AccountStatus, exists bool) (domain.AccountStatus, bool) {
		if exists {
			return cur, false
		}
		return domain.NewAccountStatus(username), true
	})
}

// Seed shows a cached balance for an account that has not been checked yet.
func (b *StatusBoard) Seed(username string, rec domain.BalanceCacheRecord) {
	b.store.Update(username, func(cur domain.AccountStatus, exists bool) (domain.AccountStatus, bool) {
		if exists && cur.Status != domain.StatusIdle {
			return cur, false
		}
		st := domain.NewAccountStatus(username)
		st.Balance = rec.Balance
		st.Status = domain.StatusCached
		st.Extra[domain.ExtraQuerySource] = domain.SourceCache
		st.Extra[domain.ExtraCachedAt] = rec.UpdatedAt
		return st, true
	})
}

// Get returns a copy of the status of username.
func (b *StatusBoard) Get(username string) (domain.AccountStatus, bool) {
	st, ok := b.store.Get(username)
	if !ok {
		return domain.AccountStatus{}, false
	}
	return st.Clone(), true
}

// All returns copies of every status ordered by username.
func (b *StatusBoard) All() []domain.AccountStatus {
	items := b.store.Snapshot()
	for i := range items {
		items[i] = items[i].Clone()
	}
	return items
}

// Remove drops username from the board.
func (b *StatusBoard) Remove(username string) {
	b.store.Delete(username)
}

// Reset puts username back to idle. It reports false for unknown accounts.
func (b *StatusBoard) Reset(username string) bool {
	reset := false
	b.store.Update(username, func(cur domain.AccountStatus, exists bool) (domain.AccountStatus, bool) {
		if !exists {
			return cur, false
		}
		reset = true
		return domain.NewAccountStatus(username), true
	})
	return reset
}

// Len returns the number of tracked accounts.
func (b *StatusBoard) Len() int {
	return b.store.Len()
}

// update applies fn to a copy of the status of username and stores the result.
// Accounts removed while a check was in flight are not recreated.
func (b *StatusBoard) update(username string, fn func(st *domain.AccountStatus)) {
	b.store.Update(username, func(cur domain.AccountStatus, exists bool) (domain.AccountStatus, bool) {
		if !exists {
			return cur, false
		}
		st := cur.Clone()
		fn(&st)
		return st, true
	})
}

func (b *StatusBoard) markChecking(username string) {
	b.Ensure(username)
	b.update(username, func(st *domain.AccountStatus) {
		st.Status = domain.StatusChecking
	})
}

// markOK records a successful resolution and clears failure markers.
func (b *StatusBoard) markOK(username, balance, source, detail string) {
	now := b.now()
	b.update(username, func(st *domain.AccountStatus) {
		st.Balance = balance
		st.Status = domain.StatusOK
		st.LastCheck = &now
		st.ErrorCount = 0
		st.Extra[domain.ExtraQuerySource] = source
		st.Extra[domain.ExtraQuerySourceDetail] = detail
		delete(st.Extra, domain.ExtraLastError)
		delete(st.Extra, domain.ExtraLastKnownBalance)
		if source != domain.SourceCache {
			delete(st.Extra, domain.ExtraCachedAt)
		}
	})
}

// markFailed records a failed resolution. A non-nil stale record keeps the
// last good balance visible next to the failure.
func (b *StatusBoard) markFailed(username, balance, source, detail string, cause error, stale *domain.BalanceCacheRecord) {
	now := b.now()
	b.update(username, func(st *domain.AccountStatus) {
		st.Balance = balance
		st.Status = domain.StatusError
		st.LastCheck = &now
		st.ErrorCount++
		st.Extra[domain.ExtraQuerySource] = source
		st.Extra[domain.ExtraQuerySourceDetail] = detail
		if cause != nil {
			st.Extra[domain.ExtraLastError] = cause.Error()
		}
		if stale != nil {
			st.Extra[domain.ExtraLastKnownBalance] = stale.Balance
			st.Extra[domain.ExtraCachedAt] = stale.UpdatedAt
		} else {
			delete(st.Extra, domain.ExtraLastKnownBalance)
			delete(st.Extra, domain.ExtraCachedAt)
		}
	})
}
