package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// RateLimit limits requests per authenticated user, or per client IP before
// authentication, to requestsPerMinute. A non-positive limit disables it.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(requestsPerMinute, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.Response{
				Success: false,
				Message: "rate limit exceeded",
				Code:    "RATE_LIMITED",
			})
		}),
	)
}

func rateLimitKey(r *http.Request) (string, error) {
	if authCtx := GetAuthContext(r); authCtx != nil && authCtx.User != nil {
		return "user:" + strconv.FormatInt(authCtx.User.ID, 10), nil
	}
	return "ip:" + audit.ClientIP(r), nil
}
