package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// Gate spaces outbound requests so that no two start closer than minDelay.
// When maxDelay exceeds minDelay a random jitter in [0, max-min) is added.
type Gate struct {
	clk      clock.Clock
	limiter  *rate.Limiter
	minDelay time.Duration
	maxDelay time.Duration
	last     time.Time
	rng      *rand.Rand
	mu       sync.Mutex
}

func NewGate(clk clock.Clock, minDelay, maxDelay time.Duration) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	return &Gate{
		clk:      clk,
		limiter:  rate.NewLimiter(rate.Every(minDelay), 1),
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Wait blocks until the next request may start.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	r := g.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limiter cannot grant reservation")
	}

	wait := r.DelayFrom(now)
	if !g.last.IsZero() {
		if gap := g.last.Add(g.minDelay).Sub(now); gap > wait {
			wait = gap
		}
	}
	wait += g.jitter()

	if err := g.clk.Sleep(ctx, wait); err != nil {
		r.CancelAt(now)
		return err
	}

	g.last = g.clk.Now()
	return nil
}

func (g *Gate) SetDelay(min, max time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if max < min {
		max = min
	}
	g.minDelay = min
	g.maxDelay = max
	g.limiter.SetLimitAt(g.clk.Now(), rate.Every(min))
}

// Last returns when the most recent request was let through.
func (g *Gate) Last() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *Gate) jitter() time.Duration {
	delta := g.maxDelay - g.minDelay
	if delta <= 0 {
		return 0
	}
	return time.Duration(g.rng.Int63n(int64(delta)))
}
