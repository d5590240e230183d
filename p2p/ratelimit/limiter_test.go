package ratelimit

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, quotas map[Class]Quota) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(quotas, WithClock(clock.Now), WithIdleHorizon(time.Minute)), clock
}

func TestBurstAdmitsExactlyCapacity(t *testing.T) {
	const capacity = 5
	limiter, _ := newTestLimiter(t, map[Class]Quota{"status": {Capacity: capacity, Period: 15 * time.Second}})
	id := peer.ID("peer-a")

	admitted := 0
	for i := 0; i < capacity+1; i++ {
		if limiter.TryAcquire(id, "status", 1) == Admitted {
			admitted++
		}
	}
	require.Equal(t, capacity, admitted)
}

func TestRefillIsLazyAndCapped(t *testing.T) {
	limiter, clock := newTestLimiter(t, map[Class]Quota{"ping": {Capacity: 2, Period: 2 * time.Second}})
	id := peer.ID("peer-a")

	require.Equal(t, Admitted, limiter.TryAcquire(id, "ping", 2))
	require.Equal(t, Rejected, limiter.TryAcquire(id, "ping", 1))

	clock.Advance(time.Second)
	require.Equal(t, Admitted, limiter.TryAcquire(id, "ping", 1))
	require.Equal(t, Rejected, limiter.TryAcquire(id, "ping", 1))

	clock.Advance(time.Hour)
	require.LessOrEqual(t, limiter.Tokens(id, "ping"), 2.0)
	require.Equal(t, Admitted, limiter.TryAcquire(id, "ping", 2))
	require.Equal(t, Rejected, limiter.TryAcquire(id, "ping", 1))
}

func TestRejectionDoesNotConsume(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Quota{"blocks": {Capacity: 4, Period: 4 * time.Second}})
	id := peer.ID("peer-a")

	require.Equal(t, Admitted, limiter.TryAcquire(id, "blocks", 3))
	require.Equal(t, Rejected, limiter.TryAcquire(id, "blocks", 2))
	require.InDelta(t, 1.0, limiter.Tokens(id, "blocks"), 1e-9)
	require.Equal(t, Admitted, limiter.TryAcquire(id, "blocks", 1))
}

func TestCostAboveCapacityRejected(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Quota{"blocks": {Capacity: 4, Period: time.Second}})
	require.Equal(t, Rejected, limiter.TryAcquire("peer-a", "blocks", 5))
}

func TestClassesAndPeersAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Class]Quota{
		"status": {Capacity: 1, Period: time.Minute},
		"ping":   {Capacity: 1, Period: time.Minute},
	})
	require.Equal(t, Admitted, limiter.TryAcquire("peer-a", "status", 1))
	require.Equal(t, Rejected, limiter.TryAcquire("peer-a", "status", 1))
	require.Equal(t, Admitted, limiter.TryAcquire("peer-a", "ping", 1))
	require.Equal(t, Admitted, limiter.TryAcquire("peer-b", "status", 1))
}

func TestUnknownClassIsUnlimited(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	for i := 0; i < 100; i++ {
		require.Equal(t, Admitted, limiter.TryAcquire("peer-a", "goodbye", 1))
	}
	require.Zero(t, limiter.Len())
}

func TestPruneEvictsIdleBuckets(t *testing.T) {
	limiter, clock := newTestLimiter(t, map[Class]Quota{"status": {Capacity: 1, Period: time.Second}})
	limiter.TryAcquire("peer-a", "status", 1)
	clock.Advance(30 * time.Second)
	limiter.TryAcquire("peer-b", "status", 1)
	require.Equal(t, 2, limiter.Len())

	clock.Advance(45 * time.Second)
	require.Equal(t, 1, limiter.Prune())
	require.Equal(t, 1, limiter.Len())

	limiter.Remove("peer-b")
	require.Zero(t, limiter.Len())
}
