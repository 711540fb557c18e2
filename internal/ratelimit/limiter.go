package ratelimit

import (
	"context"
	"sync"
	"time"

	"lms-realtime/pkg/logger"
)

const (
	DefaultMaxMessages   = 10
	DefaultWindow        = 60 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Decision is the outcome of one admission check. RetryAfter is set only
// when Limited is true.
type Decision struct {
	Limited    bool
	RetryAfter time.Duration
}

// Limiter gates message volume per sender.
type Limiter interface {
	Check(ctx context.Context, senderID string) (Decision, error)
}

// MemoryLimiter keeps a sliding window of accepted timestamps per sender in
// process memory. Windows are pruned lazily on Check and fully by Prune.
// A sender spread over several processes is under-counted; use RedisLimiter
// when sticky routing is not guaranteed.
type MemoryLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	senders map[string][]time.Time
}

func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return NewMemoryLimiterWithClock(max, window, time.Now)
}

func NewMemoryLimiterWithClock(max int, window time.Duration, now func() time.Time) *MemoryLimiter {
	if max < 1 {
		max = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		max:     max,
		window:  window,
		now:     now,
		senders: make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Check(_ context.Context, senderID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.trim(l.senders[senderID], now)

	if len(kept) >= l.max {
		l.senders[senderID] = kept
		return Decision{Limited: true, RetryAfter: kept[0].Add(l.window).Sub(now)}, nil
	}

	l.senders[senderID] = append(kept, now)
	return Decision{}, nil
}

// trim drops timestamps that left the trailing window. Timestamps are kept
// in arrival order so the first one is always the oldest.
func (l *MemoryLimiter) trim(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

// Prune removes expired timestamps for every sender and forgets idle senders.
// It returns the number of senders still tracked.
func (l *MemoryLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for sender, events := range l.senders {
		kept := l.trim(events, now)
		if len(kept) == 0 {
			delete(l.senders, sender)
			continue
		}
		l.senders[sender] = kept
	}
	return len(l.senders)
}

// Run sweeps on every tick until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracked := l.Prune()
			logger.Debug("Rate limiter sweep done, %d senders tracked", tracked)
		}
	}
}
