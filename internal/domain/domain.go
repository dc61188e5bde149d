package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TestType string

const (
	TestTypePractice    TestType = "practice"
	TestTypeAIGenerated TestType = "ai-generated"
)

func (t TestType) Valid() bool {
	return t == TestTypePractice || t == TestTypeAIGenerated
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

func (d Difficulty) Valid() bool {
	return d == DifficultyEasy || d == DifficultyMedium || d == DifficultyHard
}

// Rank is a coarse skill tier derived from a user's average WPM.
type Rank string

const (
	RankE Rank = "E"
	RankD Rank = "D"
	RankC Rank = "C"
	RankB Rank = "B"
	RankA Rank = "A"
	RankS Rank = "S"
)

// RankFor maps an average WPM to a rank tier. Boundaries are inclusive.
func RankFor(avgWpm float64) Rank {
	switch {
	case avgWpm >= 80:
		return RankS
	case avgWpm >= 60:
		return RankA
	case avgWpm >= 40:
		return RankB
	case avgWpm >= 20:
		return RankC
	case avgWpm >= 10:
		return RankD
	default:
		return RankE
	}
}

// TestResult is the immutable record of one completed typing exercise.
// Created exactly once by the submission transactor, never updated.
type TestResult struct {
	ResultID   string
	UserID     string
	Wpm        float64
	Accuracy   float64
	Errors     int
	TimeTaken  float64
	TextLength int
	UserInput  string
	TestType   TestType
	Difficulty Difficulty
	TestID     string
	CreateTime time.Time
}

// UserStats is the running aggregate embedded in a user's profile.
// AvgWpm and AvgAcc are true cumulative means over every result the user
// has ever submitted; TestsCompleted is the count of those results.
type UserStats struct {
	Rank           Rank
	TestsCompleted int
	AvgWpm         decimal.Decimal
	AvgAcc         decimal.Decimal
}

type UserProfile struct {
	UserID     string
	Username   string
	Email      string
	Stats      UserStats
	UpdateTime time.Time
}

// Period identifies a rolling leaderboard window.
type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) Valid() bool {
	return p == PeriodWeekly || p == PeriodMonthly
}

// Window returns the inclusive [start, end] bounds of the period containing
// now. Weeks are Sunday-aligned; both bounds are in UTC.
func (p Period) Window(now time.Time) (start, end time.Time) {
	now = now.UTC()

	switch p {
	case PeriodMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0).Add(-time.Second)
	default:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		start = day.AddDate(0, 0, -int(day.Weekday()))
		end = start.AddDate(0, 0, 7).Add(-time.Second)
	}

	return start, end
}

// LeaderboardRow is one user's rollup within a single period window.
// Owned and written exclusively by the leaderboard projector.
type LeaderboardRow struct {
	UserID         string
	Username       string
	Email          string
	AvgWpm         float64
	BestWpm        float64
	AvgAcc         float64
	TestsCompleted int
	TestType       TestType
	Rank           Rank
	PeriodStart    time.Time
	PeriodEnd      time.Time
	LastTestDate   time.Time
	UpdateTime     time.Time
}

// Leaderboard is the ranked view of one period window, best WPM descending.
type Leaderboard struct {
	Period      Period
	PeriodStart time.Time
	Entries     []LeaderboardRow
}

// TypingTest is a reusable exercise document, persisted when a caller keeps
// an AI-generated prompt.
type TypingTest struct {
	TestID     string
	Topic      string
	Difficulty Difficulty
	Content    string
	WordCount  int
	TimeLimit  int
	CreatedBy  string
	CreateTime time.Time
}
