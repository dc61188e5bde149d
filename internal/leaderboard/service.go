package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vknguyen/typerank/internal/domain"
	"github.com/vknguyen/typerank/internal/errors"
	"github.com/vknguyen/typerank/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond

	defaultListLimit = 50
)

// ProfileGetter looks up the submitting user's display data and overall rank
// for stamping onto leaderboard rows.
type ProfileGetter interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
}

type Config struct {
	EventBus *event.Bus
	Profiles ProfileGetter
	Redis    redis.UniversalClient
	Prefix   string
	NowFunc  func() time.Time
}

// Service maintains the weekly and monthly rollup rows. It reacts to newly
// created results off the event bus, decoupled from the submission
// transaction: a failure here is logged by the bus and never reaches the
// submitter.
type Service struct {
	eb       *event.Bus
	profiles ProfileGetter
	redis    redis.UniversalClient
	prefix   string
	now      func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		profiles: c.Profiles,
		redis:    c.Redis,
		prefix:   c.Prefix,
		now:      c.NowFunc,
	}

	if s.now == nil {
		s.now = time.Now
	}

	s.eb.Subscribe(domain.EventNameResultCreated, func(ctx context.Context, e event.Event) error {
		return s.ProjectResult(ctx, e.(domain.EventResultCreated))
	})

	return s
}

// ProjectResult folds one result into the current weekly and monthly rows for
// its user. Both rows are read first, then written together in one pipeline:
// batched for latency, not transactional. Two concurrent projections of the
// same user can both read the same prior row and the later write wins; that
// lost-update window is accepted, leaderboard freshness tolerates it.
func (s *Service) ProjectResult(ctx context.Context, e domain.EventResultCreated) error {
	res := e.Result

	profile, err := s.profiles.GetProfile(ctx, res.UserID)
	if err != nil {
		return fmt.Errorf("lookup profile: user=%s: %w", res.UserID, err)
	}

	now := s.now().UTC()

	periods := []domain.Period{domain.PeriodWeekly, domain.PeriodMonthly}
	rows := make([]domain.LeaderboardRow, 0, len(periods))

	for _, p := range periods {
		start, end := p.Window(now)

		prev, found, err := s.readRow(ctx, p, start, res.UserID)
		if err != nil {
			return fmt.Errorf("read %s row: %w", p, err)
		}

		row := newRow(profile, res, start, end, now)
		if found {
			row = mergeRow(prev, row)
		}
		rows = append(rows, row)
	}

	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range periods {
			row := rows[i]
			pipe.HSet(ctx, s.rowKey(p, row.PeriodStart, row.UserID), rowFields(row))
			pipe.ZAdd(ctx, s.rankKey(p, row.PeriodStart), redis.Z{
				Score:  row.BestWpm,
				Member: row.UserID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write rollup rows: %w", err)
	}

	for _, p := range periods {
		if err := s.schedulePublishLeaderboard(ctx, p, now); err != nil {
			return err
		}
	}

	return nil
}

// newRow is the first-result-in-period row: averages seeded from the single
// result.
func newRow(profile *domain.UserProfile, res domain.TestResult, start, end, now time.Time) domain.LeaderboardRow {
	return domain.LeaderboardRow{
		UserID:         profile.UserID,
		Username:       profile.Username,
		Email:          profile.Email,
		AvgWpm:         res.Wpm,
		BestWpm:        res.Wpm,
		AvgAcc:         res.Accuracy,
		TestsCompleted: 1,
		TestType:       res.TestType,
		Rank:           profile.Stats.Rank,
		PeriodStart:    start,
		PeriodEnd:      end,
		LastTestDate:   res.CreateTime,
		UpdateTime:     now,
	}
}

// mergeRow folds the incoming single-result row into the existing one using
// count-weighted means, so the period averages stay true arithmetic means of
// the period's results. Best WPM is a running max.
func mergeRow(prev, next domain.LeaderboardRow) domain.LeaderboardRow {
	n := float64(prev.TestsCompleted)

	next.AvgWpm = (prev.AvgWpm*n + next.AvgWpm) / (n + 1)
	next.AvgAcc = (prev.AvgAcc*n + next.AvgAcc) / (n + 1)
	next.BestWpm = max(prev.BestWpm, next.BestWpm)
	next.TestsCompleted = prev.TestsCompleted + 1

	return next
}

type GetLeaderboardRequest struct {
	Period domain.Period
	Limit  int
}

// GetLeaderboard returns the ranked rows of the current period window, best
// WPM descending.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	if !req.Period.Valid() {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown period %q", req.Period))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	start, _ := req.Period.Window(s.now().UTC())

	ids, err := s.redis.ZRevRange(ctx, s.rankKey(req.Period, start), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(ids) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("leaderboard not found: period=%s start=%s", req.Period, start.Format(time.DateOnly)))
	}

	entries := make([]domain.LeaderboardRow, 0, len(ids))
	for _, id := range ids {
		row, found, err := s.readRow(ctx, req.Period, start, id)
		if err != nil {
			return nil, fmt.Errorf("read row: user=%s: %w", id, err)
		}
		if !found {
			continue
		}
		entries = append(entries, row)
	}

	return &domain.Leaderboard{
		Period:      req.Period,
		PeriodStart: start,
		Entries:     entries,
	}, nil
}

// schedulePublishLeaderboard publishes the leaderboard changes after a certain interval.
// Many results can land in a short burst; collapsing publishes behind a SetNX
// gate keeps one published event per interval per period.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, p domain.Period, now time.Time) error {
	start, _ := p.Window(now)

	ok, err := s.redis.SetNX(ctx, s.timeKey(p, start), now.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{Period: p})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: period=%s: %w", p, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) readRow(ctx context.Context, p domain.Period, start time.Time, userID string) (domain.LeaderboardRow, bool, error) {
	m, err := s.redis.HGetAll(ctx, s.rowKey(p, start, userID)).Result()
	if err != nil {
		return domain.LeaderboardRow{}, false, err
	}
	if len(m) == 0 {
		return domain.LeaderboardRow{}, false, nil
	}

	row, err := parseRow(userID, m)
	if err != nil {
		return domain.LeaderboardRow{}, false, err
	}

	return row, true, nil
}

func rowFields(row domain.LeaderboardRow) map[string]any {
	return map[string]any{
		"username":        row.Username,
		"email":           row.Email,
		"avg_wpm":         row.AvgWpm,
		"best_wpm":        row.BestWpm,
		"avg_acc":         row.AvgAcc,
		"tests_completed": row.TestsCompleted,
		"test_type":       string(row.TestType),
		"rank":            string(row.Rank),
		"period_start":    row.PeriodStart.Format(time.RFC3339),
		"period_end":      row.PeriodEnd.Format(time.RFC3339),
		"last_test_date":  row.LastTestDate.Format(time.RFC3339),
		"update_time":     row.UpdateTime.Format(time.RFC3339),
	}
}

func parseRow(userID string, m map[string]string) (domain.LeaderboardRow, error) {
	row := domain.LeaderboardRow{
		UserID:   userID,
		Username: m["username"],
		Email:    m["email"],
		TestType: domain.TestType(m["test_type"]),
		Rank:     domain.Rank(m["rank"]),
	}

	var err error
	if row.AvgWpm, err = strconv.ParseFloat(m["avg_wpm"], 64); err != nil {
		return row, fmt.Errorf("parse avg_wpm: %w", err)
	}
	if row.BestWpm, err = strconv.ParseFloat(m["best_wpm"], 64); err != nil {
		return row, fmt.Errorf("parse best_wpm: %w", err)
	}
	if row.AvgAcc, err = strconv.ParseFloat(m["avg_acc"], 64); err != nil {
		return row, fmt.Errorf("parse avg_acc: %w", err)
	}
	if row.TestsCompleted, err = strconv.Atoi(m["tests_completed"]); err != nil {
		return row, fmt.Errorf("parse tests_completed: %w", err)
	}
	if row.PeriodStart, err = time.Parse(time.RFC3339, m["period_start"]); err != nil {
		return row, fmt.Errorf("parse period_start: %w", err)
	}
	if row.PeriodEnd, err = time.Parse(time.RFC3339, m["period_end"]); err != nil {
		return row, fmt.Errorf("parse period_end: %w", err)
	}
	if row.LastTestDate, err = time.Parse(time.RFC3339, m["last_test_date"]); err != nil {
		return row, fmt.Errorf("parse last_test_date: %w", err)
	}
	if row.UpdateTime, err = time.Parse(time.RFC3339, m["update_time"]); err != nil {
		return row, fmt.Errorf("parse update_time: %w", err)
	}

	return row, nil
}

func (s *Service) rowKey(p domain.Period, start time.Time, userID string) string {
	return fmt.Sprintf("%s:%s:%s:user:%s", s.prefix, p, start.Format("20060102"), userID)
}

func (s *Service) rankKey(p domain.Period, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:rank", s.prefix, p, start.Format("20060102"))
}

func (s *Service) timeKey(p domain.Period, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:time", s.prefix, p, start.Format("20060102"))
}
