package websocket

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RejectReason says which admission limit turned a connection away.
type RejectReason string

const (
	RejectRate   RejectReason = "rate_limit"
	RejectGlobal RejectReason = "global_limit"
	RejectPerIP  RejectReason = "per_ip_limit"
)

const (
	bucketSweepInterval = 5 * time.Minute
	bucketIdleTTL       = 10 * time.Minute
)

// LimitsConfig bounds how many connections the relay admits.
type LimitsConfig struct {
	MaxConnections int
	MaxPerIP       int
	RatePerSecond  float64
	Burst          int
}

// Limits is the admission control in front of the upgrade: a per-IP token
// bucket for new connections plus global and per-IP caps on concurrent ones.
type Limits struct {
	cfg   LimitsConfig
	clock clockwork.Clock

	mu      sync.Mutex
	total   int
	perIP   map[string]int
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLimits(cfg LimitsConfig, clock clockwork.Clock) *Limits {
	return &Limits{
		cfg:     cfg,
		clock:   clock,
		perIP:   make(map[string]int),
		buckets: make(map[string]*bucket),
		sweepAt: clock.Now().Add(bucketSweepInterval),
	}
}

// Acquire reserves a connection slot for ip. On success the caller must
// call Release(ip) exactly once when the connection ends.
func (l *Limits) Acquire(ip string) (RejectReason, bool) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(bucketSweepInterval)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return RejectRate, false
	}

	if l.total >= l.cfg.MaxConnections {
		return RejectGlobal, false
	}
	if l.perIP[ip] >= l.cfg.MaxPerIP {
		return RejectPerIP, false
	}

	l.total++
	l.perIP[ip]++
	return "", true
}

// Release frees the slot taken by a successful Acquire.
func (l *Limits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.perIP[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = n - 1
	}
	l.total--
}

// Active returns the number of admitted connections and the number of distinct IPs holding them.
func (l *Limits) Active() (connections, ips int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.perIP)
}

// Must be called with mu held.
func (l *Limits) sweep(now time.Time) {
	cutoff := now.Add(-bucketIdleTTL)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}
