package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulseline/errors"
	pulsetest "github.com/teranos/pulseline/internal/testing"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, table Table) (*Manager, *pulsetest.Clock) {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(epoch)
	m := NewManager(database, table, zaptest.NewLogger(t).Sugar())
	m.SetClock(clock.Now)
	return m, clock
}

func TestAcquireLiveLockFails(t *testing.T) {
	m, clock := newTestManager(t, ConcurrencyLocks)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "inhale:abc", "EX-kirby", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), l.ExpiresAt)

	clock.Advance(59 * time.Second)
	_, err = m.Acquire(ctx, "inhale:abc", "EX-dedede", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLockHeld)

	// the holder itself cannot re-take a live lock either
	_, err = m.Acquire(ctx, "inhale:abc", "EX-kirby", time.Minute)
	assert.ErrorIs(t, err, errors.ErrLockHeld)

	got, err := m.Get(ctx, "inhale:abc")
	require.NoError(t, err)
	assert.Equal(t, "EX-kirby", got.Holder)
	assert.True(t, got.Live(clock.Now()))
}

func TestAcquireAfterExpirySucceeds(t *testing.T) {
	m, clock := newTestManager(t, ConcurrencyLocks)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "inhale:abc", "EX-kirby", time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	l, err := m.Acquire(ctx, "inhale:abc", "EX-dedede", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "EX-dedede", l.Holder)

	got, err := m.Get(ctx, "inhale:abc")
	require.NoError(t, err)
	assert.Equal(t, "EX-dedede", got.Holder)
	assert.True(t, got.ExpiresAt.Equal(epoch.Add(3*time.Minute)))
}

func TestReleaseRequiresHolder(t *testing.T) {
	m, _ := newTestManager(t, ConcurrencyLocks)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", "EX-kirby", time.Minute)
	require.NoError(t, err)

	released, err := m.Release(ctx, "k", "EX-zombie")
	require.NoError(t, err)
	assert.False(t, released)

	_, err = m.Get(ctx, "k")
	require.NoError(t, err, "zombie release must not remove the lock")

	released, err = m.Release(ctx, "k", "EX-kirby")
	require.NoError(t, err)
	assert.True(t, released)

	_, err = m.Get(ctx, "k")
	assert.True(t, errors.IsNotFoundError(err))

	// releasing twice is harmless
	released, err = m.Release(ctx, "k", "EX-kirby")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestSweepReturnsExpired(t *testing.T) {
	m, clock := newTestManager(t, ConcurrencyLocks)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "short", "EX-1", 10*time.Second)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "long", "EX-2", time.Hour)
	require.NoError(t, err)

	swept, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)

	clock.Advance(30 * time.Second)
	swept, err = m.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "short", swept[0].Key)
	assert.Equal(t, "EX-1", swept[0].Holder)

	remaining, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "long", remaining[0].Key)
}

func TestAcquireValidation(t *testing.T) {
	m, _ := newTestManager(t, ConcurrencyLocks)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "", "h", time.Minute)
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = m.Acquire(ctx, "k", "h", 0)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduleLockTable(t *testing.T) {
	m, clock := newTestManager(t, ScheduleLocks)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "sched-1", "scheduler-a", 30*time.Second)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "sched-1", "scheduler-b", 30*time.Second)
	assert.ErrorIs(t, err, errors.ErrLockHeld)

	var lockedBy string
	require.NoError(t, m.db.QueryRow(`SELECT locked_by FROM schedule_locks WHERE schedule_id = ?`, "sched-1").Scan(&lockedBy))
	assert.Equal(t, "scheduler-a", lockedBy)

	clock.Advance(31 * time.Second)
	_, err = m.Acquire(ctx, "sched-1", "scheduler-b", 30*time.Second)
	require.NoError(t, err)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	m, _ := newTestManager(t, ConcurrencyLocks)
	ctx := context.Background()

	const contenders = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		held atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Acquire(ctx, "ingest:2025-12-29", string(rune('a'+i)), time.Minute)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, errors.ErrLockHeld):
				held.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(contenders-1), held.Load())
}

func TestExtendKeepsHolderAlive(t *testing.T) {
	m, clock := newTestManager(t, ConcurrencyLocks)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "hover:1", "EX-kirby", time.Minute)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	ok, err := m.ExtendTx(ctx, m.db, "hover:1", "EX-kirby", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(50 * time.Second)
	_, err = m.Acquire(ctx, "hover:1", "EX-meta-knight", time.Minute)
	assert.ErrorIs(t, err, errors.ErrLockHeld)

	ok, err = m.ExtendTx(ctx, m.db, "hover:1", "EX-meta-knight", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder can extend")

	clock.Advance(2 * time.Minute)
	ok, err = m.ExtendTx(ctx, m.db, "hover:1", "EX-kirby", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "an expired lock cannot be revived")
}
