package api

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/vknguyen/typerank/internal/auth"
	"github.com/vknguyen/typerank/internal/domain"
	"github.com/vknguyen/typerank/internal/errors"
	"github.com/vknguyen/typerank/internal/event"
	"github.com/vknguyen/typerank/internal/gentest"
	"github.com/vknguyen/typerank/internal/leaderboard"
	"github.com/vknguyen/typerank/internal/ratelimit"
	"github.com/vknguyen/typerank/internal/result"
	"github.com/vknguyen/typerank/internal/telemetry"
)

const claimsKey = "auth_claims"

// RateLimiter gates every entry point before any other component runs.
type RateLimiter interface {
	Check(ctx context.Context, a ratelimit.Action, identifier string) error
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Auth         *auth.Service
	RateLimit    RateLimiter
	Result       *result.Service
	Leaderboard  *leaderboard.Service
	GenTest      *gentest.Service
	Redis        Redis
	PubsubPrefix string
}

type API struct {
	auth   *auth.Service
	rl     RateLimiter
	rs     *result.Service
	ls     *leaderboard.Service
	gs     *gentest.Service
	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		auth:   c.Auth,
		rl:     c.RateLimit,
		rs:     c.Result,
		ls:     c.Leaderboard,
		gs:     c.GenTest,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/auth/token", a.issueToken)

	authed := v1.Group("", a.requireAuth)
	authed.POST("/results", a.submitTestResult)
	authed.GET("/results", a.listResults)
	authed.POST("/tests/generate", a.generateAiTest)
	authed.GET("/leaderboards/:period", a.getLeaderboard)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

// requireAuth rejects any call without a valid bearer token. There is no
// anonymous fallback identity.
func (a *API) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		abortWithError(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("authorization header required")))
		return
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		abortWithError(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("authorization header must be: Bearer <token>")))
		return
	}

	claims, err := a.auth.VerifyToken(parts[1])
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Set(claimsKey, claims)
	c.Next()
}

func callerClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	return v.(*auth.Claims)
}

type submitTestResultRequest struct {
	Wpm        *float64 `json:"wpm"`
	Accuracy   *float64 `json:"accuracy"`
	Errors     *float64 `json:"errors"`
	TimeTaken  *float64 `json:"timeTaken"`
	TextLength *float64 `json:"textLength"`
	UserInput  string   `json:"userInput"`
	TestType   string   `json:"testType"`
	Difficulty string   `json:"difficulty"`
	TestID     string   `json:"testId"`
}

func (a *API) submitTestResult(c *gin.Context) {
	ctx := c.Request.Context()
	claims := callerClaims(c)

	if err := a.gate(c, ratelimit.ActionSubmitResult, claims.UserID); err != nil {
		return
	}

	var req submitTestResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.CountSubmission("invalid")
		abortWithError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"),
			errors.WithCause(err)))
		return
	}

	_, err := a.rs.SubmitResult(ctx, result.SubmitResultRequest{
		UserID:     claims.UserID,
		Wpm:        floatOrNaN(req.Wpm),
		Accuracy:   floatOrNaN(req.Accuracy),
		Errors:     floatOrNaN(req.Errors),
		TimeTaken:  floatOrNaN(req.TimeTaken),
		TextLength: floatOrNaN(req.TextLength),
		UserInput:  req.UserInput,
		TestType:   req.TestType,
		Difficulty: req.Difficulty,
		TestID:     req.TestID,
	})
	if err != nil {
		telemetry.CountSubmission("error")
		abortWithError(c, err)
		return
	}

	telemetry.CountSubmission("ok")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "test result saved",
	})
}

func (a *API) listResults(c *gin.Context) {
	claims := callerClaims(c)

	limit, _ := strconv.Atoi(c.Query("limit"))

	results, err := a.rs.ListResults(c.Request.Context(), result.ListResultsRequest{
		UserID: claims.UserID,
		Limit:  limit,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		out = append(out, gin.H{
			"resultId":   r.ResultID,
			"wpm":        r.Wpm,
			"accuracy":   r.Accuracy,
			"errors":     r.Errors,
			"timeTaken":  r.TimeTaken,
			"textLength": r.TextLength,
			"testType":   r.TestType,
			"difficulty": r.Difficulty,
			"createdAt":  r.CreateTime,
		})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "results": out})
}

type generateAiTestRequest struct {
	Topic         string   `json:"topic"`
	Difficulty    string   `json:"difficulty"`
	SaveTest      bool     `json:"saveTest"`
	TimeLimit     int      `json:"timeLimit"`
	UserInterests []string `json:"userInterests"`
}

func (a *API) generateAiTest(c *gin.Context) {
	claims := callerClaims(c)

	if err := a.gate(c, ratelimit.ActionGenerateTest, claims.UserID); err != nil {
		return
	}

	var req generateAiTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"),
			errors.WithCause(err)))
		return
	}

	resp, err := a.gs.GenerateTest(c.Request.Context(), gentest.GenerateTestRequest{
		UserID:        claims.UserID,
		Topic:         req.Topic,
		Difficulty:    req.Difficulty,
		SaveTest:      req.SaveTest,
		TimeLimit:     req.TimeLimit,
		UserInterests: req.UserInterests,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"text":      resp.Text,
		"testId":    resp.TestID,
		"wordCount": resp.WordCount,
		"saved":     resp.Saved,
	})
}

func (a *API) getLeaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		Period: domain.Period(c.Param("period")),
		Limit:  limit,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, leaderboardPayload(*l))
}

type issueTokenRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// issueToken mints a bearer token for a known user. Authentication proper is
// an external collaborator; this endpoint exists for development and demo
// flows and still burns the per-address auth quota.
func (a *API) issueToken(c *gin.Context) {
	if err := a.gate(c, ratelimit.ActionAuthenticate, c.ClientIP()); err != nil {
		return
	}

	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		abortWithError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("userId is required")))
		return
	}

	token, err := a.auth.IssueToken(req.UserID, req.Username, req.Email)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

// gate applies the per-action rate limit and renders the rejection itself.
func (a *API) gate(c *gin.Context, action ratelimit.Action, identifier string) error {
	err := a.rl.Check(c.Request.Context(), action, identifier)
	if err != nil {
		telemetry.CountRateLimitRejection()
		abortWithError(c, err)
	}
	return err
}

// abortWithError renders the typed error for the caller. Internal failures
// are logged with full context and returned as a bare internal error.
func abortWithError(c *gin.Context, err error) {
	e := errors.Convert(err)

	msg := e.Message
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: internal error",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		msg = "internal error"
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"success": false,
		"error":   msg,
	})
}

func floatOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
