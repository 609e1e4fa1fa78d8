package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mathraid-server/store"
)

func testEngine() *Engine {
	return New(store.NewMemKV(), zerolog.Nop())
}

func TestScheduleAndFireInOrder(t *testing.T) {
	e := testEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var fired []string

	e.Register(KindCountdown, func(_ context.Context, timer Timer) error {
		mu.Lock()
		fired = append(fired, timer.RaidID)
		mu.Unlock()
		return nil
	})

	now := time.Now()
	require.NoError(t, e.Schedule(ctx, Timer{Kind: KindCountdown, RaidID: "raid-2", FireAt: now.Add(20 * time.Millisecond).UnixMicro()}))
	require.NoError(t, e.Schedule(ctx, Timer{Kind: KindCountdown, RaidID: "raid-1", FireAt: now.Add(5 * time.Millisecond).UnixMicro()}))

	go e.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"raid-1", "raid-2"}, fired)
}

func TestCancelPreventsFiring(t *testing.T) {
	e := testEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := false
	e.Register(KindTimeout, func(_ context.Context, _ Timer) error {
		fired = true
		return nil
	})

	now := time.Now()
	require.NoError(t, e.Schedule(ctx, Timer{Kind: KindTimeout, RaidID: "r1", FireAt: now.Add(10 * time.Millisecond).UnixMicro()}))
	require.NoError(t, e.Cancel(ctx, KindTimeout, "r1"))

	go e.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired)
}

func TestLoadFromStoreRepopulatesHeap(t *testing.T) {
	kv := store.NewMemKV()
	ctx := context.Background()
	e1 := New(kv, zerolog.Nop())
	require.NoError(t, e1.Schedule(ctx, Timer{Kind: KindCountdown, RaidID: "r1", FireAt: time.Now().Add(time.Hour).UnixMicro()}))

	e2 := New(kv, zerolog.Nop())
	require.NoError(t, e2.LoadFromStore(ctx))
	assert.Equal(t, 1, e2.heap.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	fireAt := time.Now().Add(time.Hour).UnixMicro()
	require.NoError(t, e.Schedule(ctx, Timer{Kind: KindTimeout, RaidID: "r1", FireAt: fireAt}))

	snap, err := e.Snapshot()
	require.NoError(t, err)

	restored := testEngine()
	require.NoError(t, restored.RestoreSnapshot(snap))
	assert.Equal(t, 1, restored.heap.Len())
	assert.Equal(t, fireAt, restored.heap[0].timer.FireAt)
}

func TestCleanupTimerReschedulesItself(t *testing.T) {
	e := testEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	e.Register(KindCleanup, func(_ context.Context, _ Timer) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	interval := 15 * time.Millisecond
	require.NoError(t, e.Schedule(ctx, Timer{Kind: KindCleanup, FireAt: time.Now().Add(5 * time.Millisecond).UnixMicro(), Interval: interval.Microseconds()}))

	go e.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, time.Second, 5*time.Millisecond)
}
