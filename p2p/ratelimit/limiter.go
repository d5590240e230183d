// Package ratelimit implements per-peer, per-protocol-class admission control.
//
// Every (peer, class) pair owns an independent token bucket so that abuse of
// one protocol cannot starve the budget of another. Buckets refill lazily at
// acquisition time and are evicted once a peer has been idle long enough.
package ratelimit

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

const defaultIdleHorizon = 10 * time.Minute

// Class names a protocol class with its own budget.
type Class string

// Quota is the budget of a protocol class: Capacity tokens that fully refill
// over Period.
type Quota struct {
	Capacity int
	Period   time.Duration
}

func (q Quota) limit() rate.Limit {
	if q.Period <= 0 || q.Capacity <= 0 {
		return rate.Inf
	}
	return rate.Every(q.Period / time.Duration(q.Capacity))
}

// Outcome is the result of an admission attempt.
type Outcome uint8

const (
	Admitted Outcome = iota
	Rejected
)

func (o Outcome) String() string {
	if o == Admitted {
		return "admitted"
	}
	return "rejected"
}

type bucketKey struct {
	peer  peer.ID
	class Class
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter tracks token buckets for every active (peer, class) pair.
type Limiter struct {
	mu          sync.Mutex
	quotas      map[Class]Quota
	buckets     map[bucketKey]*bucket
	idleHorizon time.Duration
	now         func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock used for refills.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdleHorizon sets how long a bucket may stay unused before Prune evicts it.
func WithIdleHorizon(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.idleHorizon = d
		}
	}
}

// New returns a limiter enforcing the supplied per-class quotas. Classes
// without a quota are never limited.
func New(quotas map[Class]Quota, opts ...Option) *Limiter {
	l := &Limiter{
		quotas:      make(map[Class]Quota, len(quotas)),
		buckets:     make(map[bucketKey]*bucket),
		idleHorizon: defaultIdleHorizon,
		now:         time.Now,
	}
	for class, quota := range quotas {
		if quota.Capacity <= 0 {
			continue
		}
		l.quotas[class] = quota
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire attempts to take cost tokens from the bucket of (id, class).
// Rejection never blocks and never consumes tokens.
func (l *Limiter) TryAcquire(id peer.ID, class Class, cost int) Outcome {
	if l == nil {
		return Admitted
	}
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	quota, ok := l.quotas[class]
	if !ok {
		return Admitted
	}
	if cost > quota.Capacity {
		return Rejected
	}
	now := l.now()
	key := bucketKey{peer: id, class: class}
	b := l.buckets[key]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(quota.limit(), quota.Capacity)}
		l.buckets[key] = b
	}
	b.lastUsed = now
	if b.limiter.AllowN(now, cost) {
		return Admitted
	}
	return Rejected
}

// Tokens reports the tokens currently available to (id, class). A pair with
// no bucket yet reports the full capacity.
func (l *Limiter) Tokens(id peer.ID, class Class) float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	quota, ok := l.quotas[class]
	if !ok {
		return 0
	}
	b := l.buckets[bucketKey{peer: id, class: class}]
	if b == nil {
		return float64(quota.Capacity)
	}
	return b.limiter.TokensAt(l.now())
}

// Remove drops every bucket belonging to id.
func (l *Limiter) Remove(id peer.ID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.peer == id {
			delete(l.buckets, key)
		}
	}
}

// Prune evicts buckets that have not been used within the idle horizon and
// returns how many were removed.
func (l *Limiter) Prune() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) >= l.idleHorizon {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
