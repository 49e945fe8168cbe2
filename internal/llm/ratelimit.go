package llm

import (
	"context"
	"sync"
	"time"
)

// rateLimiter enforces a per-endpoint requests-per-minute cap with a
// sliding 60-second window of request timestamps.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRateLimiter(rpm int, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		limit:  rpm,
		window: time.Minute,
		now:    now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// acquire records a request slot, sleeping until the oldest timestamp
// exits the window when the limit is saturated.
func (r *rateLimiter) acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.now()
		cutoff := now.Add(-r.window)
		// Drop timestamps that left the window.
		kept := r.stamps[:0]
		for _, ts := range r.stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		r.stamps = kept

		if len(r.stamps) < r.limit {
			r.stamps = append(r.stamps, now)
			r.mu.Unlock()
			return nil
		}
		wait := r.stamps[0].Sub(cutoff)
		r.mu.Unlock()

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
