package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const DefaultRetention = 48 * time.Hour

type Entry struct {
	UserID string
	Score  int64
	// Reason is the reason given with the user's most recent increment
	// that carried one.
	Reason string
}

// CounterStore keeps one score counter per (day, user). Increments must be
// atomic across processes. Entries with equal scores come back in descending
// user ID order, which is what a Redis ZREVRANGE returns.
type CounterStore interface {
	Incr(ctx context.Context, day, userID string, points int64, reason string) (int64, error)
	Top(ctx context.Context, day string, n int) ([]Entry, error)
}

// RedisCounterStore keeps each day in a sorted set plus a hash of the last
// reason per user. Both keys expire after the retention period.
type RedisCounterStore struct {
	rdb       redis.Cmdable
	prefix    string
	retention time.Duration
}

func NewRedisCounterStore(rdb redis.Cmdable, retention time.Duration) *RedisCounterStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisCounterStore{rdb: rdb, prefix: "leaderboard:daily:", retention: retention}
}

func (s *RedisCounterStore) scoreKey(day string) string  { return s.prefix + day }
func (s *RedisCounterStore) reasonKey(day string) string { return s.prefix + day + ":reasons" }

func (s *RedisCounterStore) Incr(ctx context.Context, day, userID string, points int64, reason string) (int64, error) {
	var incr *redis.FloatCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.ZIncrBy(ctx, s.scoreKey(day), float64(points), userID)
		pipe.Expire(ctx, s.scoreKey(day), s.retention)
		if reason != "" {
			pipe.HSet(ctx, s.reasonKey(day), userID, reason)
			pipe.Expire(ctx, s.reasonKey(day), s.retention)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing score: %w", err)
	}
	return int64(incr.Val()), nil
}

func (s *RedisCounterStore) Top(ctx context.Context, day string, n int) ([]Entry, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, s.scoreKey(day), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading top scores: %w", err)
	}
	entries := lo.Map(zs, func(z redis.Z, _ int) Entry {
		member, _ := z.Member.(string)
		return Entry{UserID: member, Score: int64(z.Score)}
	})
	if len(entries) == 0 {
		return entries, nil
	}

	ids := lo.Map(entries, func(e Entry, _ int) string { return e.UserID })
	reasons, err := s.rdb.HMGet(ctx, s.reasonKey(day), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading score reasons: %w", err)
	}
	for i, r := range reasons {
		entries[i].Reason, _ = r.(string)
	}
	return entries, nil
}

// MemoryCounterStore is the single-process store. Days expire retention
// after their last increment.
type MemoryCounterStore struct {
	mu        sync.Mutex
	days      map[string]*memoryDay
	retention time.Duration
	now       func() time.Time
}

type memoryDay struct {
	scores    map[string]int64
	reasons   map[string]string
	expiresAt time.Time
}

func NewMemoryCounterStore(retention time.Duration) *MemoryCounterStore {
	return NewMemoryCounterStoreWithClock(retention, time.Now)
}

func NewMemoryCounterStoreWithClock(retention time.Duration, now func() time.Time) *MemoryCounterStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryCounterStore{days: make(map[string]*memoryDay), retention: retention, now: now}
}

func (s *MemoryCounterStore) Incr(_ context.Context, day, userID string, points int64, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	d := s.days[day]
	if d == nil {
		d = &memoryDay{scores: make(map[string]int64), reasons: make(map[string]string)}
		s.days[day] = d
	}
	d.scores[userID] += points
	if reason != "" {
		d.reasons[userID] = reason
	}
	d.expiresAt = now.Add(s.retention)
	return d.scores[userID], nil
}

func (s *MemoryCounterStore) Top(_ context.Context, day string, n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())
	d := s.days[day]
	if d == nil {
		return []Entry{}, nil
	}

	entries := lo.MapToSlice(d.scores, func(id string, score int64) Entry {
		return Entry{UserID: id, Score: score, Reason: d.reasons[id]}
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID > entries[j].UserID
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (s *MemoryCounterStore) expireLocked(now time.Time) {
	for day, d := range s.days {
		if !now.Before(d.expiresAt) {
			delete(s.days, day)
		}
	}
}
