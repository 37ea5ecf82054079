package domain

import "time"

// ============================================================
// Accounts & per-account status
// ============================================================

// Account is one monitored login on the upstream service.
// Username is the identity key; APIKey is optional and enables the fast path.
type Account struct {
	Username string `json:"username"`
	Password string `json:"-"`
	APIKey   string `json:"-"`
}

// HasAPIKey reports whether the fast path can be attempted for this account.
func (a Account) HasAPIKey() bool {
	return a.APIKey != ""
}

// StatusKind is the lifecycle state shown for an account.
type StatusKind string

const (
	StatusIdle     StatusKind = "idle"
	StatusChecking StatusKind = "checking"
	StatusOK       StatusKind = "ok"
	StatusError    StatusKind = "error"
	StatusCached   StatusKind = "cached"
)

// Balance texts used when no monetary value is available.
const (
	BalanceWaiting   = "waiting"
	BalanceNoData    = "no data"
	BalanceError     = "error"
	BalanceAPIFailed = "api failed"
	BalanceTimeout   = "timeout"
)

// Keys written into AccountStatus.Extra.
const (
	ExtraQuerySource       = "query_source"
	ExtraQuerySourceDetail = "query_source_detail"
	ExtraCachedAt          = "cached_at"
	ExtraLastError         = "last_error"
	ExtraLastKnownBalance  = "last_known_balance"
)

// Query sources.
const (
	SourceAPI   = "api"
	SourceWeb   = "web"
	SourceCache = "cache"
)

// AccountStatus is the live view of one account.
type AccountStatus struct {
	Username   string            `json:"username"`
	Balance    string            `json:"balance"`
	Status     StatusKind        `json:"status"`
	LastCheck  *time.Time        `json:"last_check,omitempty"`
	ErrorCount int               `json:"error_count"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// NewAccountStatus returns the idle status an account starts with.
func NewAccountStatus(username string) AccountStatus {
	return AccountStatus{
		Username: username,
		Balance:  BalanceWaiting,
		Status:   StatusIdle,
		Extra:    map[string]string{},
	}
}

// Clone returns a deep copy so callers can read it without holding the store lock.
func (s AccountStatus) Clone() AccountStatus {
	out := s
	if s.LastCheck != nil {
		t := *s.LastCheck
		out.LastCheck = &t
	}
	out.Extra = make(map[string]string, len(s.Extra))
	for k, v := range s.Extra {
		out.Extra[k] = v
	}
	return out
}

// ============================================================
// Results
// ============================================================

// CheckResult is emitted once per account per resolution.
type CheckResult struct {
	Username string `json:"username"`
	Balance  string `json:"balance"`
	Success  bool   `json:"success"`
	Source   string `json:"source,omitempty"`
}

// ApiBalanceResult is the outcome of one fast-path query.
type ApiBalanceResult struct {
	Success bool    `json:"success"`
	Balance float64 `json:"balance"`
	Source  string  `json:"source"`
	Message string  `json:"message"`
}

// BalanceCacheRecord is the last known good balance of an account.
type BalanceCacheRecord struct {
	Balance     string `json:"balance"`
	UpdatedAt   string `json:"updated_at"`
	SyncSuccess *bool  `json:"apikey_sync_success,omitempty"`
	SyncMessage string `json:"apikey_sync_message,omitempty"`
}

// SyncOutcome is the result of the optional quota sync side task.
type SyncOutcome struct {
	Success bool
	Message string
}

// CheckRecord is one row of check history.
type CheckRecord struct {
	Username  string        `json:"username"`
	Balance   string        `json:"balance"`
	Success   bool          `json:"success"`
	Source    string        `json:"source"`
	Detail    string        `json:"detail,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	CheckedAt time.Time     `json:"checked_at"`
}
