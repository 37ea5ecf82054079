package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"nil", nil, domain.KindNone},
		{"structural", &domain.ErrStructural{Step: "fill_credentials", Message: "x"}, domain.KindStructural},
		{"credential", &domain.ErrCredential{}, domain.KindCredential},
		{"wrapped transient", fmt.Errorf("attempt 2: %w", &domain.ErrTransientNetwork{Op: "navigate", Err: errors.New("reset")}), domain.KindTransientNetwork},
		{"deadline", context.DeadlineExceeded, domain.KindTransientNetwork},
		{"exhausted", &domain.ErrResourceExhausted{Resource: "session", Waited: time.Second}, domain.KindResourceExhausted},
		{"parse", &domain.ErrParse{Input: "abc"}, domain.KindParse},
		{"other", errors.New("boom"), domain.KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, domain.KindOf(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, domain.Retryable(&domain.ErrStructural{Step: "s"}))
	assert.True(t, domain.Retryable(&domain.ErrTransientNetwork{Op: "navigate", Err: errors.New("eof")}))
	assert.True(t, domain.Retryable(&domain.ErrCredential{Message: "wrong password"}))
	assert.True(t, domain.Retryable(errors.New("boom")))
	assert.False(t, domain.Retryable(&domain.ErrResourceExhausted{Resource: "session"}))
	assert.False(t, domain.Retryable(context.Canceled))
	assert.False(t, domain.Retryable(&domain.ErrTransientNetwork{Op: "navigate", Err: context.Canceled}))
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$42.0", domain.FormatUSD(42))
	assert.Equal(t, "$8.5", domain.FormatUSD(8.5))
	assert.Equal(t, "$0.0", domain.FormatUSD(0))
	assert.Equal(t, "$1234.6", domain.FormatUSD(1234.56))
	assert.Equal(t, "$1.4", domain.FormatUSD(1.45))
}

func TestParseAmount(t *testing.T) {
	v, err := domain.ParseAmount("$1,234.50")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, v)

	v, err = domain.ParseAmount(" 42. ")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	_, err = domain.ParseAmount("$")
	var parseErr *domain.ErrParse
	require.ErrorAs(t, err, &parseErr)

	_, err = domain.ParseAmount("n/a")
	require.ErrorAs(t, err, &parseErr)
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 8.5, domain.Remaining(10, 1.5))
	assert.Equal(t, 0.0, domain.Remaining(10, 12))
}

func TestAccountStatusClone(t *testing.T) {
	now := time.Now()
	s := domain.NewAccountStatus("alice")
	s.LastCheck = &now
	s.Extra[domain.ExtraQuerySource] = domain.SourceAPI

	c := s.Clone()
	c.Extra[domain.ExtraQuerySource] = domain.SourceWeb
	later := now.Add(time.Hour)
	c.LastCheck = &later

	assert.Equal(t, domain.SourceAPI, s.Extra[domain.ExtraQuerySource])
	assert.True(t, s.LastCheck.Equal(now))
	assert.Equal(t, domain.StatusIdle, s.Status)
	assert.Equal(t, domain.BalanceWaiting, s.Balance)
}
