package gentest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vknguyen/typerank/internal/domain"
	"github.com/vknguyen/typerank/internal/errors"
)

const (
	maxTopicLength = 200
)

// Provider generates exercise text from a topic. Implementations call out to
// an external text-generation service; they hold no state of their own.
type Provider interface {
	GenerateText(ctx context.Context, req ProviderRequest) (string, error)
}

type ProviderRequest struct {
	Topic      string
	Difficulty domain.Difficulty
	WordCount  int
	Interests  []string
}

// DB is the slice of the pgx pool the service writes through.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Config struct {
	DB       DB
	Provider Provider
}

type Service struct {
	db       DB
	provider Provider
}

func NewService(c Config) *Service {
	return &Service{
		db:       c.DB,
		provider: c.Provider,
	}
}

type GenerateTestRequest struct {
	UserID        string
	Topic         string
	Difficulty    string
	SaveTest      bool
	TimeLimit     int
	UserInterests []string
}

type GenerateTestResponse struct {
	Text      string
	TestID    string
	WordCount int
	Saved     bool
}

// GenerateTest produces exercise text for a topic. A provider failure never
// fails the call: the deterministic placeholder for the difficulty is
// substituted and the request is still fulfilled. With SaveTest set the text
// is persisted as a reusable exercise; a persistence failure is logged and
// reported through Saved only.
func (s *Service) GenerateTest(ctx context.Context, req GenerateTestRequest) (*GenerateTestResponse, error) {
	if req.UserID == "" {
		return nil, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("caller identity required"))
	}

	var violations []string
	topic := strings.TrimSpace(req.Topic)
	if len(topic) < 1 || len(topic) > maxTopicLength {
		violations = append(violations, fmt.Sprintf("topic must be between 1 and %d characters", maxTopicLength))
	}
	difficulty := domain.Difficulty(req.Difficulty)
	if !difficulty.Valid() {
		violations = append(violations, fmt.Sprintf("difficulty must be one of %q, %q, %q",
			domain.DifficultyEasy, domain.DifficultyMedium, domain.DifficultyHard))
	}
	if req.TimeLimit < 0 {
		violations = append(violations, "timeLimit must be a non-negative number of seconds")
	}
	if len(violations) > 0 {
		return nil, errors.InvalidArguments(violations)
	}

	text, err := s.provider.GenerateText(ctx, ProviderRequest{
		Topic:      topic,
		Difficulty: difficulty,
		WordCount:  targetWordCount(difficulty, req.TimeLimit),
		Interests:  req.UserInterests,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		slog.WarnContext(ctx, "gentest: provider failed, using placeholder text",
			"topic", topic,
			"error", err,
		)
		text = placeholderText(difficulty)
	}

	resp := &GenerateTestResponse{
		Text:      text,
		WordCount: len(strings.Fields(text)),
	}

	if req.SaveTest {
		id, err := s.saveTest(ctx, domain.TypingTest{
			Topic:      topic,
			Difficulty: difficulty,
			Content:    text,
			WordCount:  resp.WordCount,
			TimeLimit:  req.TimeLimit,
			CreatedBy:  req.UserID,
			CreateTime: time.Now().UTC(),
		})
		if err != nil {
			slog.ErrorContext(ctx, "gentest: save generated test failed",
				"topic", topic,
				"user", req.UserID,
				"error", err,
			)
		} else {
			resp.TestID = id
			resp.Saved = true
		}
	}

	return resp, nil
}

func (s *Service) saveTest(ctx context.Context, t domain.TypingTest) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate test ID: %w", err)
	}

	const stmt = `
INSERT INTO typing_tests (test_id, topic, difficulty, content, word_count, time_limit, created_by, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err = s.db.Exec(ctx, stmt,
		id.String(), t.Topic, t.Difficulty, t.Content, t.WordCount, t.TimeLimit, t.CreatedBy, t.CreateTime)
	if err != nil {
		return "", fmt.Errorf("insert typing test: %w", err)
	}

	return id.String(), nil
}

// targetWordCount sizes the requested text: a difficulty baseline, stretched
// for longer time limits at a nominal 40 WPM pace.
func targetWordCount(d domain.Difficulty, timeLimitSeconds int) int {
	base := map[domain.Difficulty]int{
		domain.DifficultyEasy:   50,
		domain.DifficultyMedium: 100,
		domain.DifficultyHard:   150,
	}[d]

	if timeLimitSeconds <= 0 {
		return base
	}

	paced := timeLimitSeconds * 40 / 60
	if paced > base {
		return paced
	}
	return base
}

func placeholderText(d domain.Difficulty) string {
	switch d {
	case domain.DifficultyHard:
		return "Synchronization primitives coordinate concurrent routines; meticulous benchmarking quantifies throughput, latency percentiles, and contention under adversarial load."
	case domain.DifficultyMedium:
		return "Typing practice builds speed and accuracy together. Focus on steady rhythm before chasing raw words per minute, and review every mistake you make."
	default:
		return "The quick brown fox jumps over the lazy dog. Practice a little every day and your typing will improve."
	}
}
