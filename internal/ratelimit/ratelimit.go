package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vknguyen/typerank/internal/errors"
)

// Action is a gated operation with its own quota and window.
type Action struct {
	Name   string
	Limit  int64
	Window time.Duration
}

var (
	ActionSubmitResult = Action{Name: "submit-result", Limit: 100, Window: time.Minute}
	ActionGenerateTest = Action{Name: "generate-ai-test", Limit: 5, Window: time.Minute}
	ActionAuthenticate = Action{Name: "authenticate", Limit: 10, Window: time.Minute}
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

// Service is a fixed-window counter limiter over a shared redis store.
// Counters are created lazily on first call and expire with their window.
type Service struct {
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	return &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
	}
}

// Check atomically records one call for (action, identifier) and rejects it
// with ResourceExhausted when the post-increment count exceeds the action's
// quota. A rejected call still burns quota. If the counter store is
// unreachable the call is allowed: availability wins over strict enforcement.
func (s *Service) Check(ctx context.Context, a Action, identifier string) error {
	key := s.counterKey(a, identifier)

	var incr *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, a.Window)
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "ratelimit: counter store unavailable, allowing call",
			"action", a.Name,
			"error", err,
		)
		return nil
	}

	if count := incr.Val(); count > a.Limit {
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("rate limit exceeded for %s: %d calls per %s allowed", a.Name, a.Limit, a.Window))
	}

	return nil
}

func (s *Service) counterKey(a Action, identifier string) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", s.prefix, a.Name, identifier)
}
