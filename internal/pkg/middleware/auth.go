package middleware

import (
	"context"
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/ratelimit"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// APIKeyFromContext returns the key Auth accepted for this request.
func APIKeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(apiKeyContextKey).(string)
	return k
}

// MaskAPIKey keeps the first eight characters of an API key for logs.
func MaskAPIKey(k string) string {
	if len(k) <= 8 {
		return k[:len(k)/2] + "..."
	}
	return k[:8] + "..."
}

// Auth requires "Authorization: Bearer <key>" with a key from keys.
func Auth(keys []string, log *logger.Logger) func(http.Handler) http.Handler {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLog := log.FromContext(r.Context())

			token, ok := bearerToken(r)
			if !ok {
				reqLog.Warn("auth_failed", "reason", "missing_token", "ip", ClientIP(r))
				WriteErrorResponse(w, errors.CodeUnauthorized, "Missing or invalid Authorization header", nil)
				return
			}

			if !keyAllowed(allowed, []byte(token)) {
				reqLog.Warn("auth_failed", "reason", "invalid_token", "ip", ClientIP(r))
				WriteErrorResponse(w, errors.CodeUnauthorized, "Invalid API key", nil)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// keyAllowed compares against every key so timing does not reveal which
// one matched.
func keyAllowed(allowed [][]byte, token []byte) bool {
	match := 0
	for _, k := range allowed {
		match |= subtle.ConstantTimeCompare(k, token)
	}
	return match == 1
}

// Limiter is the part of ratelimit.Limiter the middleware needs.
type Limiter interface {
	Check(ctx context.Context, id ratelimit.Identity) (ratelimit.Decision, error)
}

// RateLimit admits requests per API key and client address. It runs after
// Auth. A failing limiter store lets the request through.
func RateLimit(l Limiter, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ratelimit.Identity{
				Credential: APIKeyFromContext(r.Context()),
				Origin:     ClientIP(r),
			}

			d, err := l.Check(r.Context(), id)
			if err != nil {
				log.FromContext(r.Context()).WithError(err).Error("ratelimit_check_failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Limit-d.Count, 0)))

			if !d.Allowed {
				retryAfter := max(d.RetryAfter, time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				HandleError(w, r, log, errors.RateLimited(d.Limit, retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the request's remote address without the port. Behind
// chi's RealIP middleware that is the forwarded client address.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
