package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vknguyen/typerank/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		Period      string             `json:"period"`
		PeriodStart string             `json:"period_start"`
		Entries     []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		UserID         string  `json:"user_id"`
		Username       string  `json:"username"`
		BestWpm        float64 `json:"best_wpm"`
		AvgWpm         float64 `json:"avg_wpm"`
		AvgAcc         float64 `json:"avg_acc"`
		TestsCompleted int     `json:"tests_completed"`
		Rank           string  `json:"rank"`
	}
)

func leaderboardPayload(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{
		Period:      string(l.Period),
		PeriodStart: l.PeriodStart.Format("2006-01-02"),
		Entries:     make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, row := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			UserID:         row.UserID,
			Username:       row.Username,
			BestWpm:        row.BestWpm,
			AvgWpm:         row.AvgWpm,
			AvgAcc:         row.AvgAcc,
			TestsCompleted: row.TestsCompleted,
			Rank:           string(row.Rank),
		})
	}

	return data
}

// PublishLeaderboardUpdated pushes the refreshed leaderboard to every user on
// it over redis pub/sub, so connected clients see rank movement without
// polling.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := leaderboardPayload(e.Leaderboard)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.UserID, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
