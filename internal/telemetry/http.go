package telemetry

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "typerank_result_submissions_total",
		Help: "Result submissions by outcome.",
	}, []string{"outcome"})

	rateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "typerank_ratelimit_rejections_total",
		Help: "Calls rejected by the rate limiter.",
	})
)

func CountSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

func CountRateLimitRejection() {
	rateLimitRejections.Inc()
}

// HTTPLogger logs one line per request with status and latency.
func HTTPLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.InfoContext(c.Request.Context(), "http: finished call",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
