package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickRunsTaskOnce(t *testing.T) {
	var n atomic.Int32
	r := New(nil, nil, Task{Name: "sweep", Interval: time.Hour, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}})
	ran, err := r.Tick(context.Background(), "sweep")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), n.Load())

	_, err = r.Tick(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTickSkippedWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	r := New(nil, nil, Task{Name: "clock", Interval: time.Hour, Run: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Tick(context.Background(), "clock")
	}()
	<-entered
	ran, err := r.Tick(context.Background(), "clock")
	require.NoError(t, err)
	assert.False(t, ran)
	close(release)
	<-done
}

func TestTickReturnsTaskError(t *testing.T) {
	boom := errors.New("boom")
	r := New(nil, nil, Task{Name: "dispatch", Interval: time.Hour, Run: func(context.Context) error { return boom }})
	ran, err := r.Tick(context.Background(), "dispatch")
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestStartAndShutdownWaitsForInFlight(t *testing.T) {
	var runs atomic.Int32
	var finished atomic.Bool
	r := New(nil, nil, Task{Name: "sweep", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}})
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunning)
	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.True(t, finished.Load())

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}
