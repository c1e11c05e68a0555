package mail

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// Limits hands out one token bucket per connection key.
type Limits struct {
	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func NewLimits() *Limits {
	return &Limits{m: map[string]*rate.Limiter{}}
}

// Wait blocks until conn may send another message or ctx ends.
func (l *Limits) Wait(ctx context.Context, conn Connection) error {
	if l == nil || conn.RatePerSec <= 0 {
		return nil
	}
	return l.limiter(conn).Wait(ctx)
}

func (l *Limits) limiter(conn Connection) *rate.Limiter {
	key := conn.Key()
	burst := int(math.Ceil(conn.RatePerSec))
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(conn.RatePerSec), burst)
		l.m[key] = lim
		return lim
	}
	// Rate is per call; keep the bucket but follow config changes.
	if lim.Limit() != rate.Limit(conn.RatePerSec) {
		lim.SetLimit(rate.Limit(conn.RatePerSec))
		lim.SetBurst(burst)
	}
	return lim
}
