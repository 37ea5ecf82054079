package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/persistence"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type balanceCacheFile struct {
	Version   int                                  `json:"version"`
	UpdatedAt string                               `json:"updated_at"`
	Accounts  map[string]domain.BalanceCacheRecord `json:"accounts"`
}

// BalanceCache is the durable last-known-good balance per account.
// Every mutation rewrites the whole file atomically while holding the lock.
type BalanceCache struct {
	path    string
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	records map[string]domain.BalanceCacheRecord
}

// NewBalanceCache creates an empty cache bound to path. Call Load to read existing state.
func NewBalanceCache(path string, logger *zap.Logger, opts ...Option) *BalanceCache {
	o := buildOptions(opts)
	return &BalanceCache{
		path:    path,
		logger:  logger,
		now:     o.now,
		records: make(map[string]domain.BalanceCacheRecord),
	}
}

// Load reads the cache file. Both the versioned document and the legacy flat
// mapping {username: balance | {balance, updated_at}} are accepted.
func (c *BalanceCache) Load() (int, error) {
	data, err := persistence.ReadFile(c.path)
	if err != nil {
		return 0, fmt.Errorf("read balance cache: %w", err)
	}
	if data == nil {
		c.logger.Info("balance cache file not found, will be created after first check", zap.String("path", c.path))
		return 0, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse balance cache: %w", err)
	}

	raw := doc
	if accounts, ok := doc["accounts"].(map[string]any); ok {
		raw = accounts
	} else {
		c.logger.Warn("balance cache uses legacy flat layout, migrating", zap.String("path", c.path))
	}

	loaded := make(map[string]domain.BalanceCacheRecord, len(raw))
	for username, item := range raw {
		if username == "version" || username == "updated_at" {
			continue
		}
		rec, ok := decodeCacheItem(item)
		if !ok {
			continue
		}
		loaded[username] = rec
	}

	c.mu.Lock()
	c.records = loaded
	c.mu.Unlock()

	if len(loaded) > 0 {
		c.logger.Info("balance cache loaded", zap.Int("records", len(loaded)))
	}
	return len(loaded), nil
}

func decodeCacheItem(item any) (domain.BalanceCacheRecord, bool) {
	var rec domain.BalanceCacheRecord
	switch v := item.(type) {
	case map[string]any:
		if b, ok := v["balance"]; ok && b != nil {
			rec.Balance = strings.TrimSpace(fmt.Sprint(b))
		}
		if u, ok := v["updated_at"].(string); ok {
			rec.UpdatedAt = strings.TrimSpace(u)
		}
		if s, ok := v["apikey_sync_success"].(bool); ok {
			rec.SyncSuccess = &s
		}
		if m, ok := v["apikey_sync_message"].(string); ok {
			rec.SyncMessage = m
		}
	case nil:
		return rec, false
	default:
		rec.Balance = strings.TrimSpace(fmt.Sprint(v))
	}
	return rec, rec.Balance != ""
}

// Get returns the cached record for username.
func (c *BalanceCache) Get(username string) (domain.BalanceCacheRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[username]
	return rec, ok
}

// Put stores a fresh balance. Sync fields are only overwritten when outcome is non-nil.
// The in-memory record is updated even when persisting fails.
func (c *BalanceCache) Put(username, balance string, outcome *domain.SyncOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.records[username]
	rec.Balance = balance
	rec.UpdatedAt = c.now().Format(timestampLayout)
	if outcome != nil {
		ok := outcome.Success
		rec.SyncSuccess = &ok
		if outcome.Message != "" {
			rec.SyncMessage = outcome.Message
		}
	}
	c.records[username] = rec

	return c.saveLocked()
}

// Delete removes username from the cache.
func (c *BalanceCache) Delete(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[username]; !ok {
		return nil
	}
	delete(c.records, username)
	return c.saveLocked()
}

// Snapshot returns a copy of all records.
func (c *BalanceCache) Snapshot() map[string]domain.BalanceCacheRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]domain.BalanceCacheRecord, len(c.records))
	for k, v := range c.records {
		out[k] = v
	}
	return out
}

func (c *BalanceCache) saveLocked() error {
	doc := balanceCacheFile{
		Version:   fileVersion,
		UpdatedAt: c.now().Format(timestampLayout),
		Accounts:  c.records,
	}
	if err := persistence.WriteJSON(c.path, doc); err != nil {
		return fmt.Errorf("write balance cache: %w", err)
	}
	return nil
}
