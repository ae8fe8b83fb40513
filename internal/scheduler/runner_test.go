package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kirychukyurii/fleet-registry/internal/logger"
)

func TestRunnerRunsTasksUntilStopped(t *testing.T) {
	var ok, failing, disabled atomic.Int32

	r := NewRunner(logger.Discard())
	r.Add(Task{Name: "ok", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		ok.Add(1)
		return nil
	}})
	r.Add(Task{Name: "failing", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		failing.Add(1)
		return errors.New("boom")
	}})
	r.Add(Task{Name: "disabled", Run: func(ctx context.Context) error {
		disabled.Add(1)
		return nil
	}})

	r.Start(context.Background())
	assert.Eventually(t, func() bool {
		return ok.Load() >= 3 && failing.Load() >= 3
	}, time.Second, time.Millisecond, "a failing task keeps its schedule")
	r.Stop()

	stopped := ok.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, ok.Load(), "no runs after Stop")
	assert.Zero(t, disabled.Load())
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := NewRunner(logger.Discard())
	r.Add(Task{Name: "blocking", Interval: time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	r.Start(ctx)

	time.Sleep(5 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestStopWithoutStart(t *testing.T) {
	r := NewRunner(logger.Discard())
	r.Stop()
}
