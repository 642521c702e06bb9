package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smartgate/gate-server-go/internal/audit"
	apperrors "github.com/smartgate/gate-server-go/internal/errors"
	"github.com/smartgate/gate-server-go/internal/httputil"
	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/service"
)

// Limiter is the subset of service.RateLimiter the middleware needs
type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) service.RateDecision
}

type IPRateLimitMiddleware struct {
	limiter Limiter
	limit   int
	window  time.Duration
	keyFor  func(ip string) string
	metrics *metrics.Metrics
}

// NewIPRateLimitMiddleware limits each client IP to limit requests per window.
// keyFor maps the IP to its limiter key.
func NewIPRateLimitMiddleware(
	limiter Limiter,
	limit int,
	window time.Duration,
	keyFor func(ip string) string,
	m *metrics.Metrics,
) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		keyFor:  keyFor,
		metrics: m,
	}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)
		decision := m.limiter.CheckLimit(r.Context(), m.keyFor(ip), m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			if m.metrics != nil {
				m.metrics.SubmissionRateLimited.Inc()
			}
			log.Warn().Str("ip", ip).Msg("submission rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"path": r.URL.Path},
			})

			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
