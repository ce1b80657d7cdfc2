package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpjet64/codexrt/internal/common/clock"
	"github.com/cpjet64/codexrt/internal/common/logger"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestScheduler_SuppressedByActivity(t *testing.T) {
	clk := clock.NewFake(epoch)
	var calls atomic.Int32
	s := New(Config{Interval: 30 * time.Second}, func(context.Context) error {
		calls.Add(1)
		return nil
	}, logger.Nop(), WithClock(clk))

	clk.Advance(20 * time.Second)
	s.MarkActivity()

	clk.Advance(29 * time.Second)
	assert.False(t, s.Check(context.Background()))
	assert.Equal(t, int32(0), calls.Load())

	clk.Advance(time.Second)
	assert.True(t, s.Check(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	// The idle timer restarted with the heartbeat.
	assert.False(t, s.Check(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_FailureDoesNotStopLaterTicks(t *testing.T) {
	clk := clock.NewFake(epoch)
	var calls atomic.Int32
	s := New(Config{Interval: 10 * time.Second}, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("broken pipe")
		case 2:
			panic("heartbeat exploded")
		}
		return nil
	}, logger.Nop(), WithClock(clk))

	clk.Advance(10 * time.Second)
	assert.True(t, s.Check(context.Background()))

	clk.Advance(30 * time.Second)
	assert.True(t, s.Check(context.Background()))

	clk.Advance(30 * time.Second)
	assert.True(t, s.Check(context.Background()))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(3), s.Sent())
	assert.Equal(t, int64(2), s.Failed())
}

func TestScheduler_BackgroundLoop(t *testing.T) {
	clk := clock.NewFake(epoch)
	fired := make(chan struct{}, 4)
	s := New(Config{Interval: time.Minute, Tick: 5 * time.Millisecond}, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "heartbeat context has no deadline")
		fired <- struct{}{}
		return nil
	}, logger.Nop(), WithClock(clk))

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	clk.Advance(time.Minute)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("background loop never sent a heartbeat")
	}

	s.Dispose()
	s.Dispose()
	assert.ErrorIs(t, s.Start(), ErrDisposed)
}

func TestScheduler_RejectsZeroInterval(t *testing.T) {
	s := New(Config{}, func(context.Context) error { return nil }, logger.Nop())
	assert.Error(t, s.Start())
	s.Dispose()
}
