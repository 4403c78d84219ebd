package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter paces document submissions. A nil rate means unlimited.
type limiter struct {
	rate *rate.Limiter
}

func newLimiter(rpm, burst int) *limiter {
	if rpm <= 0 {
		return &limiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	// RPM limiter: convert to requests per second
	rps := float64(rpm) / 60.0
	return &limiter{rate: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the next submission is allowed or ctx is done.
func (l *limiter) Wait(ctx context.Context) error {
	if l.rate == nil {
		return ctx.Err()
	}
	return l.rate.Wait(ctx)
}

// ProgressTracker tracks batch processing progress
type ProgressTracker struct {
	Total     int
	StartTime time.Time

	mu        sync.RWMutex
	completed int
}

func (p *ProgressTracker) Increment() {
	p.mu.Lock()
	p.completed++
	p.mu.Unlock()
}

func (p *ProgressTracker) Completed() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completed
}

func (p *ProgressTracker) Percent() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Total == 0 {
		return 0
	}
	return float64(p.completed) / float64(p.Total) * 100
}

func (p *ProgressTracker) Elapsed() time.Duration {
	return time.Since(p.StartTime)
}

func (p *ProgressTracker) ETA() time.Duration {
	p.mu.RLock()
	completed := p.completed
	total := p.Total
	p.mu.RUnlock()

	if completed == 0 {
		return 0
	}

	elapsed := p.Elapsed()
	perItem := elapsed / time.Duration(completed)
	return perItem * time.Duration(total-completed)
}
