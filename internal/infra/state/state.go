// Package state holds the durable per-account bookkeeping: the last known
// balance cache and the daily-cycle record of authoritative session checks.
package state

import (
	"fmt"
	"strings"
	"time"
)

const (
	fileVersion = 1
	// timestampLayout matches the local, zone-less timestamps written by earlier releases.
	timestampLayout = "2006-01-02T15:04:05"
	dayLayout       = "2006-01-02"
)

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// parseTimestamp accepts both the zone-less layout and RFC3339.
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(timestampLayout, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999", s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// isDay reports whether s has the YYYY-MM-DD shape.
func isDay(s string) bool {
	return len(s) == 10 && s[4] == '-' && s[7] == '-'
}
