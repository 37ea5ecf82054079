package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/infra/persistence"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

type dailyCycleFile struct {
	Version   int               `json:"version"`
	UpdatedAt string            `json:"updated_at"`
	Accounts  map[string]string `json:"accounts"`
}

// DailyCycle remembers, per account, the last service day on which a
// session-based check succeeded. A service day starts at the rollover hour.
type DailyCycle struct {
	path     string
	rollover int
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
	days     map[string]string
}

// NewDailyCycle creates a tracker bound to path with the given rollover hour (0-23).
func NewDailyCycle(path string, rolloverHour int, logger *zap.Logger, opts ...Option) *DailyCycle {
	o := buildOptions(opts)
	if rolloverHour < 0 || rolloverHour > 23 {
		rolloverHour = 8
	}
	return &DailyCycle{
		path:     path,
		rollover: rolloverHour,
		logger:   logger,
		now:      o.now,
		days:     make(map[string]string),
	}
}

// ServiceDay maps a wall-clock time to its service day.
func (d *DailyCycle) ServiceDay(t time.Time) string {
	if t.Hour() < d.rollover {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format(dayLayout)
}

// Load reads the state file. Records written under the old midnight boundary
// are shifted back one day when the file was last written before the rollover hour.
func (d *DailyCycle) Load() (int, error) {
	data, err := persistence.ReadFile(d.path)
	if err != nil {
		return 0, fmt.Errorf("read daily cycle state: %w", err)
	}
	if data == nil {
		d.logger.Info("daily cycle file not found, will be created after first session check", zap.String("path", d.path))
		return 0, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse daily cycle state: %w", err)
	}

	raw := doc
	if accounts, ok := doc["accounts"].(map[string]any); ok {
		raw = accounts
	}

	loaded := make(map[string]string, len(raw))
	for username, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if isDay(s) {
			loaded[username] = s
		}
	}

	corrected := 0
	if updatedRaw, ok := doc["updated_at"].(string); ok && updatedRaw != "" {
		if updatedAt, err := parseTimestamp(updatedRaw, d.now().Location()); err == nil && updatedAt.Hour() < d.rollover {
			oldDay := updatedAt.Format(dayLayout)
			newDay := updatedAt.AddDate(0, 0, -1).Format(dayLayout)
			for username, day := range loaded {
				if day == oldDay {
					loaded[username] = newDay
					corrected++
				}
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.days = loaded

	if corrected > 0 {
		d.logger.Warn("corrected daily cycle records written under midnight boundary",
			zap.Int("corrected", corrected),
			zap.Int("rollover_hour", d.rollover),
		)
		if err := d.saveLocked(); err != nil {
			d.logger.Warn("failed to persist corrected daily cycle state", zap.Error(err))
		}
	}

	if len(loaded) > 0 {
		d.logger.Info("daily cycle state loaded", zap.Int("records", len(loaded)))
	}
	return len(loaded), nil
}

// ShouldForceSession reports whether username still needs its authoritative
// session check for the current service day.
func (d *DailyCycle) ShouldForceSession(username string) bool {
	today := d.ServiceDay(d.now())

	d.mu.Lock()
	last := d.days[username]
	d.mu.Unlock()

	force := last != today
	d.logger.Debug("daily cycle check",
		zap.String("username", username),
		zap.String("service_day", today),
		zap.String("last_day", last),
		zap.Bool("force_session", force),
	)
	return force
}

// MarkSessionSuccess records that username completed a session check today.
func (d *DailyCycle) MarkSessionSuccess(username string) error {
	today := d.ServiceDay(d.now())

	d.mu.Lock()
	defer d.mu.Unlock()

	d.days[username] = today
	return d.saveLocked()
}

// Forget drops the record for username.
func (d *DailyCycle) Forget(username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.days[username]; !ok {
		return nil
	}
	delete(d.days, username)
	return d.saveLocked()
}

// Snapshot returns a copy of all records.
func (d *DailyCycle) Snapshot() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]string, len(d.days))
	for k, v := range d.days {
		out[k] = v
	}
	return out
}

func (d *DailyCycle) saveLocked() error {
	doc := dailyCycleFile{
		Version:   fileVersion,
		UpdatedAt: d.now().Format(timestampLayout),
		Accounts:  d.days,
	}
	if err := persistence.WriteJSON(d.path, doc); err != nil {
		return fmt.Errorf("write daily cycle state: %w", err)
	}
	return nil
}
