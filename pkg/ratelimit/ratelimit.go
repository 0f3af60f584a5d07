// Package ratelimit paces a session's navigations so it reads like a person
// clicking through pages rather than a crawler.
package ratelimit

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// ErrStopped is returned by Wait once the limiter has been stopped.
var ErrStopped = errors.New("ratelimit: limiter stopped")

// Limiter allows at most rps navigations per second, each delayed by a
// random extra of up to jitter times the interval. It is safe for concurrent
// use.
type Limiter struct {
	lim      *rate.Limiter
	interval time.Duration
	jitter   float64

	stopped context.Context
	stop    context.CancelFunc
}

// NewLimiter returns a limiter for rps navigations per second. rps <= 0
// disables pacing. jitter is clamped to [0, 1].
func NewLimiter(rps, jitter float64) *Limiter {
	jitter = min(max(jitter, 0), 1)
	stopped, stop := context.WithCancel(context.Background())
	l := &Limiter{jitter: jitter, stopped: stopped, stop: stop}
	if rps > 0 {
		l.lim = rate.NewLimiter(rate.Limit(rps), 1)
		l.interval = time.Duration(float64(time.Second) / rps)
	}
	return l
}

// Wait blocks until the next navigation may start, ctx ends or the limiter is
// stopped.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.stopped.Err() != nil {
		return ErrStopped
	}
	if l.lim == nil {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(l.stopped, cancel)
	defer release()

	err := l.lim.Wait(ctx)
	if err == nil && l.jitter > 0 {
		err = Sleep(ctx, time.Duration(rand.Float64()*l.jitter*float64(l.interval)))
	}
	if err != nil && l.stopped.Err() != nil {
		return ErrStopped
	}
	return err
}

// Stop releases every waiter with ErrStopped. Later Waits fail immediately.
func (l *Limiter) Stop() {
	l.stop()
}

// Sleep pauses for d unless the context is canceled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
