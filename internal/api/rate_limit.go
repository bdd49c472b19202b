package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/sceneforge/internal/ratelimit"
)

// RateLimiter prices and admits a request. Exempt decisions pass through
// without rate limit headers.
type RateLimiter interface {
	Check(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		decision, err := s.rateLimiter.Check(r.Context(), ratelimit.Request{
			Caller: r.Header.Get(s.rateLimitSubjectHeader),
			Method: r.Method,
			Route:  route,
		})
		if err != nil {
			s.logger.Warn("rate limiter check failed", "route", route, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if decision.Exempt {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	})
}
