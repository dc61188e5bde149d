package result

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vknguyen/typerank/internal/domain"
	"github.com/vknguyen/typerank/internal/errors"
	"github.com/vknguyen/typerank/internal/event"
)

// maxTxAttempts bounds retries of the serializable submission transaction
// when concurrent submissions by the same user conflict on the profile row.
const maxTxAttempts = 5

// DB is the slice of the pgx pool the service reads and writes through.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Config struct {
	EventBus *event.Bus
	DB       DB
}

type Service struct {
	eb *event.Bus
	db DB
}

func NewService(c Config) *Service {
	return &Service{
		eb: c.EventBus,
		db: c.DB,
	}
}

// SubmitResultRequest carries a raw, untrusted client submission. Numeric
// fields stay float64 until validated so NaN/Inf can be rejected explicitly.
type SubmitResultRequest struct {
	UserID     string
	Wpm        float64
	Accuracy   float64
	Errors     float64
	TimeTaken  float64
	TextLength float64
	UserInput  string
	TestType   string
	Difficulty string
	TestID     string
}

type SubmitResultResponse struct {
	ResultID string
	Stats    domain.UserStats
}

// SubmitResult validates the submission, then atomically persists the new
// result and recomputes the user's aggregate stats in a single serializable
// transaction. The new averages are true cumulative means derived from the
// previous mean and count. On success the created result is announced on the
// event bus for the leaderboard projector; the publish happens after commit
// so a projection failure can never roll back a submission.
func (s *Service) SubmitResult(ctx context.Context, req SubmitResultRequest) (*SubmitResultResponse, error) {
	if req.UserID == "" {
		return nil, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("caller identity required"))
	}

	if violations := validateSubmission(req); len(violations) > 0 {
		return nil, errors.InvalidArguments(violations)
	}

	testType := domain.TestType(req.TestType)
	if !testType.Valid() {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("testType must be one of %q, %q", domain.TestTypePractice, domain.TestTypeAIGenerated))
	}

	difficulty := domain.Difficulty(req.Difficulty)
	if !difficulty.Valid() {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("difficulty must be one of %q, %q, %q", domain.DifficultyEasy, domain.DifficultyMedium, domain.DifficultyHard))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate result ID: %w", err)
	}

	res := domain.TestResult{
		ResultID:   id.String(),
		UserID:     req.UserID,
		Wpm:        req.Wpm,
		Accuracy:   req.Accuracy,
		Errors:     int(req.Errors),
		TimeTaken:  req.TimeTaken,
		TextLength: int(req.TextLength),
		UserInput:  req.UserInput,
		TestType:   testType,
		Difficulty: difficulty,
		TestID:     req.TestID,
		CreateTime: time.Now().UTC(),
	}

	var stats domain.UserStats
	for attempt := 1; ; attempt++ {
		stats, err = s.submitTx(ctx, res)
		if err == nil || attempt >= maxTxAttempts || !isSerializationFailure(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventResultCreated{
		Result: res,
	})

	return &SubmitResultResponse{
		ResultID: res.ResultID,
		Stats:    stats,
	}, nil
}

// submitTx runs one attempt of the submission transaction. All reads happen
// before any write is staged so a retry re-reads fresh state; the body is a
// pure function of that state, safe to re-execute.
func (s *Service) submitTx(ctx context.Context, res domain.TestResult) (stats domain.UserStats, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			rbErr := tx.Rollback(ctx)
			if rbErr != nil && !stderrors.Is(rbErr, pgx.ErrTxClosed) {
				err = stderrors.Join(err, rbErr)
			}
		}
	}()

	const selStmt = `
SELECT tests_completed, avg_wpm, avg_acc
FROM user_profiles
WHERE user_id = $1;`

	var (
		testsCompleted int
		avgWpm, avgAcc decimal.Decimal
	)
	err = tx.QueryRow(ctx, selStmt, res.UserID).Scan(&testsCompleted, &avgWpm, &avgAcc)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return stats, errors.New(errors.CodeNotFound,
			errors.WithMessagef("profile not found: user=%s", res.UserID))
	}
	if err != nil {
		return stats, fmt.Errorf("read profile stats: %w", err)
	}

	stats = nextStats(domain.UserStats{
		TestsCompleted: testsCompleted,
		AvgWpm:         avgWpm,
		AvgAcc:         avgAcc,
	}, res.Wpm, res.Accuracy)

	const insStmt = `
INSERT INTO test_results
	(result_id, user_id, wpm, accuracy, errors, time_taken, text_length, user_input, test_type, difficulty, test_id, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, '')::uuid, $12);`

	_, err = tx.Exec(ctx, insStmt,
		res.ResultID, res.UserID, res.Wpm, res.Accuracy, res.Errors, res.TimeTaken,
		res.TextLength, res.UserInput, res.TestType, res.Difficulty, res.TestID, res.CreateTime)
	if err != nil {
		return stats, fmt.Errorf("insert result: %w", err)
	}

	const updStmt = `
UPDATE user_profiles
SET rank = $2, tests_completed = $3, avg_wpm = $4, avg_acc = $5, update_time = $6
WHERE user_id = $1;`

	_, err = tx.Exec(ctx, updStmt,
		res.UserID, stats.Rank, stats.TestsCompleted, stats.AvgWpm, stats.AvgAcc, res.CreateTime)
	if err != nil {
		return stats, fmt.Errorf("update profile stats: %w", err)
	}

	return stats, tx.Commit(ctx)
}

// nextStats folds one new result into the running aggregate. The new mean is
// derived from the previous mean and count, then rounded half-up to an
// integer value as stored on the profile.
func nextStats(prev domain.UserStats, wpm, accuracy float64) domain.UserStats {
	n := decimal.NewFromInt(int64(prev.TestsCompleted))
	newN := n.Add(decimal.NewFromInt(1))

	newAvgWpm := prev.AvgWpm.Mul(n).Add(decimal.NewFromFloat(wpm)).Div(newN).Round(0)
	newAvgAcc := prev.AvgAcc.Mul(n).Add(decimal.NewFromFloat(accuracy)).Div(newN).Round(0)

	return domain.UserStats{
		Rank:           domain.RankFor(newAvgWpm.InexactFloat64()),
		TestsCompleted: prev.TestsCompleted + 1,
		AvgWpm:         newAvgWpm,
		AvgAcc:         newAvgAcc,
	}
}

func isSerializationFailure(err error) bool {
	const (
		codeSerializationFailure = "40001"
		codeDeadlockDetected     = "40P01"
	)

	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// GetProfile returns a user's profile with its current aggregate stats.
func (s *Service) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	const stmt = `
SELECT user_id, username, email, rank, tests_completed, avg_wpm, avg_acc, update_time
FROM user_profiles
WHERE user_id = $1;`

	var p domain.UserProfile
	err := s.db.QueryRow(ctx, stmt, userID).Scan(
		&p.UserID, &p.Username, &p.Email,
		&p.Stats.Rank, &p.Stats.TestsCompleted, &p.Stats.AvgWpm, &p.Stats.AvgAcc,
		&p.UpdateTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("profile not found: user=%s", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	return &p, nil
}

type ListResultsRequest struct {
	UserID string
	Limit  int
}

// ListResults returns the user's most recent results, newest first.
func (s *Service) ListResults(ctx context.Context, req ListResultsRequest) ([]domain.TestResult, error) {
	const stmt = `
SELECT result_id, user_id, wpm, accuracy, errors, time_taken, text_length, user_input, test_type, difficulty, COALESCE(test_id::text, ''), create_time
FROM test_results
WHERE user_id = $1
ORDER BY create_time DESC
LIMIT $2;`

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(ctx, stmt, req.UserID, limit)
	if err != nil {
		return nil, err
	}

	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.TestResult, error) {
		var res domain.TestResult
		err := r.Scan(&res.ResultID, &res.UserID, &res.Wpm, &res.Accuracy, &res.Errors,
			&res.TimeTaken, &res.TextLength, &res.UserInput, &res.TestType, &res.Difficulty,
			&res.TestID, &res.CreateTime)
		if err != nil {
			return domain.TestResult{}, err
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}
