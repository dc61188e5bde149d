package domain

const (
	EventNameResultCreated      = "result.created"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventResultCreated struct {
	Result TestResult
}

func (EventResultCreated) Name() string { return EventNameResultCreated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
