package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTickerDispatchesDueTrain(t *testing.T) {
	ts := newTestScheduler(t)
	sc := ts.create(t, every(60))
	ts.clock.Advance(61 * time.Second)

	ticker := NewTicker(context.Background(), ts.Scheduler, nil, TickerConfig{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ticker.Start()

	require.Eventually(t, func() bool {
		return ticker.GetStats()["fired_since_start"].(int64) == 1
	}, 2*time.Second, 5*time.Millisecond)
	ticker.Stop()

	stats := ticker.GetStats()
	assert.Greater(t, stats["ticks_since_start"].(int64), int64(0))
	assert.Equal(t, "signal-box-1", stats["instance_id"])

	// the next slot is still in the future, so nothing else left the station
	assert.Len(t, ts.executions(t), 1)
	assert.Len(t, ts.runs(t, sc), 1)
}

func TestTickerStopsWithItsContext(t *testing.T) {
	ts := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	ticker := NewTicker(ctx, ts.Scheduler, nil, TickerConfig{}, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, DefaultTickerConfig().Interval.String(), ticker.GetStats()["interval"])

	ticker.Start()
	cancel()

	done := make(chan struct{})
	go func() {
		ticker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop after its context was cancelled")
	}
}
