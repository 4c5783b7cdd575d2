package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dealcycle/identity-gateway/internal/httputil"
	"github.com/dealcycle/identity-gateway/internal/identity"
	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// Middleware returns chi middleware that enforces a per-client-IP request limit.
// The client IP comes from the resolved identity, falling back to the raw request.
func Middleware(limiter Limiter, limit int, win time.Duration, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get(httputil.HeaderRequestID)

			ip := clientIP(r)
			result, err := limiter.Check(r.Context(), "ip:"+ip, int64(limit), win)
			if err != nil {
				slog.Warn("rate limit check failed, allowing request",
					"request_id", reqID,
					"ip", ip,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			// Always set rate limit headers
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(limit))
			w.Header().Set(headerRateLimitRemaining, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"ip", ip,
					"limit", limit,
					"window", win.String(),
				)
				if metrics != nil {
					metrics.RecordRateLimited()
				}
				retry := int(math.Ceil(result.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set(headerRetryAfter, strconv.Itoa(retry))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per %s. Retry after %s", limit, win, result.ResetAt.Format(time.RFC3339)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if id, ok := identity.FromContext(r.Context()); ok && id.IPAddress != "" {
		return id.IPAddress
	}
	if ip := identity.FirstOf(identity.IPSources...)(r); ip != "" {
		return ip
	}
	return identity.Unknown
}
