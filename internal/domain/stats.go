package domain

import "time"

// PoolStats is a point-in-time view of the session pool.
type PoolStats struct {
	Total          int     `json:"total"`
	Available      int     `json:"available"`
	Busy           int     `json:"busy"`
	Created        int64   `json:"total_created"`
	Reused         int64   `json:"total_reused"`
	Requests       int64   `json:"total_requests"`
	AvgWaitSeconds float64 `json:"average_wait_time"`
	ReuseRate      float64 `json:"reuse_rate"`
}

// BatchStats summarizes one coordinator run.
type BatchStats struct {
	BatchID       string        `json:"batch_id"`
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	TimedOut      int           `json:"timed_out"`
	Workers       int           `json:"workers"`
	Duration      time.Duration `json:"duration"`
	Throughput    float64       `json:"accounts_per_second"`
	PoolReuseRate float64       `json:"pool_reuse_rate"`
}

// Statistics aggregates the status of all monitored accounts.
type Statistics struct {
	Total       int       `json:"total"`
	Normal      int       `json:"normal"`
	Error       int       `json:"error"`
	Checking    int       `json:"checking"`
	Cached      int       `json:"cached"`
	SuccessRate string    `json:"success_rate"`
	Pool        PoolStats `json:"browser_pool"`
}

// MetricsSnapshot is a cumulative view of the Prometheus counters.
type MetricsSnapshot struct {
	ChecksOK          int64   `json:"checks_ok"`
	ChecksFailed      int64   `json:"checks_failed"`
	FastPathHits      int64   `json:"fast_path_hits"`
	SessionPathHits   int64   `json:"session_path_hits"`
	CacheFallbacks    int64   `json:"cache_fallbacks"`
	Timeouts          int64   `json:"timeouts"`
	FastPathHitRate   float64 `json:"fast_path_hit_rate"`
	SessionsCreated   int64   `json:"sessions_created"`
	SessionsDestroyed int64   `json:"sessions_destroyed"`
}
