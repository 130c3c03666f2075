// Package ratelimit provides token buckets shared per (org, source) pair so
// that every client talking to the same vendor account draws from one budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/crm-migrate/internal/model"
)

// Clock abstracts time so waits can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Bucket is a token bucket. Wait blocks until a token is available; calls
// are never dropped.
type Bucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	clock       Clock
	baseRate    rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewBucket returns a bucket refilling perSec tokens per second up to burst.
func NewBucket(perSec float64, burst int, clock Clock) *Bucket {
	if clock == nil {
		clock = RealClock
	}
	if burst < 1 {
		burst = 1
	}
	r := rate.Limit(perSec)
	return &Bucket{
		limiter:     rate.NewLimiter(r, burst),
		clock:       clock,
		baseRate:    r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Wait takes one token, blocking until one is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "ratelimit: wait")
	}
	now := b.clock.Now()
	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return eris.New("ratelimit: reservation exceeds burst")
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-b.clock.After(delay):
		return nil
	case <-ctx.Done():
		res.CancelAt(b.clock.Now())
		return eris.Wrap(ctx.Err(), "ratelimit: wait")
	}
}

// OnRateLimit halves the refill rate after the vendor answered 429, down to
// a quarter of the configured rate.
func (b *Bucket) OnRateLimit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.currentRate * 0.5
	if next < b.minRate {
		next = b.minRate
	}
	b.currentRate = next
	b.limiter.SetLimitAt(b.clock.Now(), next)
	zap.L().Warn("ratelimit: reducing rate after 429", zap.Float64("new_rate", float64(next)))
}

// OnSuccess recovers the refill rate by 20%, never above the configured rate.
func (b *Bucket) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentRate >= b.baseRate {
		return
	}
	next := b.currentRate * 1.2
	if next > b.baseRate {
		next = b.baseRate
	}
	b.currentRate = next
	b.limiter.SetLimitAt(b.clock.Now(), next)
}

// Limit returns the current refill rate.
func (b *Bucket) Limit() rate.Limit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentRate
}

type key struct {
	orgID  string
	source model.Source
}

// Registry hands out one Bucket per (orgId, source).
type Registry struct {
	mu      sync.Mutex
	perSec  float64
	burst   int
	clock   Clock
	buckets map[key]*Bucket
}

// NewRegistry creates a registry whose buckets refill at perSec with burst.
func NewRegistry(perSec float64, burst int, clock Clock) *Registry {
	return &Registry{perSec: perSec, burst: burst, clock: clock, buckets: make(map[key]*Bucket)}
}

// Bucket returns the shared bucket for the pair, creating it on first use.
func (r *Registry) Bucket(orgID string, source model.Source) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{orgID: orgID, source: source}
	b, ok := r.buckets[k]
	if !ok {
		b = NewBucket(r.perSec, r.burst, r.clock)
		r.buckets[k] = b
	}
	return b
}
