package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generousLimits() LimitsConfig {
	return LimitsConfig{MaxConnections: 100, MaxPerIP: 100, RatePerSecond: 1000, Burst: 1000}
}

func TestLimits_GlobalCap(t *testing.T) {
	cfg := generousLimits()
	cfg.MaxConnections = 2
	l := NewLimits(cfg, clockwork.NewFakeClock())

	_, ok := l.Acquire("10.0.0.1")
	require.True(t, ok)
	_, ok = l.Acquire("10.0.0.2")
	require.True(t, ok)

	reason, ok := l.Acquire("10.0.0.3")
	assert.False(t, ok)
	assert.Equal(t, RejectGlobal, reason)

	l.Release("10.0.0.1")
	_, ok = l.Acquire("10.0.0.3")
	assert.True(t, ok)
}

func TestLimits_PerIPCap(t *testing.T) {
	cfg := generousLimits()
	cfg.MaxPerIP = 1
	l := NewLimits(cfg, clockwork.NewFakeClock())

	_, ok := l.Acquire("10.0.0.1")
	require.True(t, ok)

	reason, ok := l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, RejectPerIP, reason)

	_, ok = l.Acquire("10.0.0.2")
	assert.True(t, ok)

	conns, ips := l.Active()
	assert.Equal(t, 2, conns)
	assert.Equal(t, 2, ips)
}

func TestLimits_RateRefillsWithClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := generousLimits()
	cfg.RatePerSecond = 1
	cfg.Burst = 2
	l := NewLimits(cfg, clock)

	for range 2 {
		_, ok := l.Acquire("10.0.0.1")
		require.True(t, ok)
	}
	reason, ok := l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, RejectRate, reason)

	_, ok = l.Acquire("10.0.0.2")
	assert.True(t, ok, "buckets are per IP")

	clock.Advance(time.Second)
	_, ok = l.Acquire("10.0.0.1")
	assert.True(t, ok)
}

func TestLimits_RateRejectionTakesNoSlot(t *testing.T) {
	cfg := generousLimits()
	cfg.Burst = 1
	cfg.RatePerSecond = 0.001
	l := NewLimits(cfg, clockwork.NewFakeClock())

	_, ok := l.Acquire("10.0.0.1")
	require.True(t, ok)
	_, ok = l.Acquire("10.0.0.1")
	require.False(t, ok)

	conns, _ := l.Active()
	assert.Equal(t, 1, conns)
}

func TestLimits_ReleaseUnknownIPIsNoop(t *testing.T) {
	l := NewLimits(generousLimits(), clockwork.NewFakeClock())

	l.Release("10.9.9.9")

	conns, ips := l.Active()
	assert.Zero(t, conns)
	assert.Zero(t, ips)
}

func TestLimits_SweepsIdleBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimits(generousLimits(), clock)

	_, ok := l.Acquire("10.0.0.1")
	require.True(t, ok)
	l.Release("10.0.0.1")

	clock.Advance(bucketIdleTTL + bucketSweepInterval + time.Second)
	_, ok = l.Acquire("10.0.0.2")
	require.True(t, ok)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "10.0.0.1")
	assert.Contains(t, l.buckets, "10.0.0.2")
}

func TestLimits_ConcurrentAcquireNeverExceedsCap(t *testing.T) {
	cfg := generousLimits()
	cfg.MaxConnections = 50
	l := NewLimits(cfg, clockwork.NewRealClock())

	var admitted atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := l.Acquire(ipFor(i)); ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
}

func ipFor(i int) string {
	return fmt.Sprintf("10.0.1.%d", i%26)
}
