package leaderboard

import (
	"context"
	"time"

	"lms-realtime/internal/database"
	"lms-realtime/internal/models"
	"lms-realtime/pkg/logger"

	"github.com/samber/lo"
)

const DefaultTopN = 3

type Broadcaster interface {
	Broadcast(ctx context.Context, room models.RoomID, evt models.ServerEvent, exclude string) error
}

// Day is the counter key for t: its UTC calendar date.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Aggregator keeps the daily leaderboard and pushes every change to the
// admin dashboard room.
type Aggregator struct {
	store CounterStore
	users database.UserRepository
	hub   Broadcaster
	topN  int
	now   func() time.Time
	log   *logger.Logger
}

func NewAggregator(store CounterStore, users database.UserRepository, hub Broadcaster, topN int) *Aggregator {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Aggregator{
		store: store,
		users: users,
		hub:   hub,
		topN:  topN,
		now:   time.Now,
		log:   logger.With("component", "leaderboard"),
	}
}

// UpdateScore adds points to today's counter for userID and pushes the new
// standings. It never fails the caller: store or bus problems are logged and
// the leaderboard simply lags.
func (a *Aggregator) UpdateScore(ctx context.Context, userID string, points int64, reason string) {
	day := Day(a.now())
	total, err := a.store.Incr(ctx, day, userID, points, reason)
	if err != nil {
		a.log.Error("Leaderboard update for %s skipped: %v", userID, err)
		return
	}
	a.log.Debug("User %s now has %d points on %s", userID, total, day)

	top, err := a.topForDay(ctx, day, a.topN)
	if err != nil {
		a.log.Error("Leaderboard push skipped: %v", err)
		return
	}

	names := a.usernames(ctx, []string{userID})
	payload := models.TopPerformersPayload{
		TopPerformers: top,
		RecentActivity: &models.RecentActivity{
			Username: names[userID],
			Points:   points,
			Reason:   reason,
		},
	}
	evt := models.ServerEvent{Event: models.EventTopPerformersUpdate, Data: payload}
	if err := a.hub.Broadcast(ctx, models.AdminDashboard, evt, ""); err != nil {
		a.log.Error("Leaderboard push failed: %v", err)
	}
}

// GetTopPerformers returns today's top limit users, highest score first.
func (a *Aggregator) GetTopPerformers(ctx context.Context, limit int) ([]models.Performer, error) {
	if limit <= 0 {
		limit = a.topN
	}
	return a.topForDay(ctx, Day(a.now()), limit)
}

func (a *Aggregator) topForDay(ctx context.Context, day string, limit int) ([]models.Performer, error) {
	entries, err := a.store.Top(ctx, day, limit)
	if err != nil {
		return nil, err
	}

	names := a.usernames(ctx, lo.Map(entries, func(e Entry, _ int) string { return e.UserID }))
	return lo.Map(entries, func(e Entry, _ int) models.Performer {
		return models.Performer{UserID: e.UserID, Username: names[e.UserID], Score: e.Score, LastReason: e.Reason}
	}), nil
}

// usernames resolves ids through the user directory. Any id it cannot
// resolve maps to itself.
func (a *Aggregator) usernames(ctx context.Context, ids []string) map[string]string {
	names := make(map[string]string, len(ids))
	if len(ids) > 0 && a.users != nil {
		found, err := a.users.GetUsernames(ctx, ids)
		if err != nil {
			a.log.Warn("Resolving usernames: %v", err)
		}
		for id, name := range found {
			if name != "" {
				names[id] = name
			}
		}
	}
	for _, id := range ids {
		if _, ok := names[id]; !ok {
			names[id] = id
		}
	}
	return names
}
