package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/service"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := service.NewBroadcaster(4, zap.NewNop())
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	ev := domain.CheckResult{Username: "alice", Balance: "$1.0", Success: true}
	b.Publish(ev)

	assert.Equal(t, ev, <-ch1)
	assert.Equal(t, ev, <-ch2)

	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open, "cancel closes the channel")
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := service.NewBroadcaster(1, zap.NewNop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(domain.CheckResult{Username: "first"})
	b.Publish(domain.CheckResult{Username: "second"})

	got := <-ch
	assert.Equal(t, "first", got.Username)
	select {
	case extra := <-ch:
		require.Failf(t, "unexpected event", "%+v", extra)
	default:
	}
}
