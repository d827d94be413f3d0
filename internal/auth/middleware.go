package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxKeyName contextKey = iota
	ctxRemoteIP
)

// RequestKeyName returns the name of the API key that authenticated the
// request, or "".
func RequestKeyName(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyName).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that requires a Bearer API key from
// keys. With an empty keyring every request passes; callers only allow
// that on loopback listeners. Repeated failures from one IP get 429.
func Middleware(keys *Keyring, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)

			if keys.Len() == 0 {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if limiter.blocked(ip) {
				logger.Warn("middleware: too many failed key checks", slog.String("ip", ip))
				w.Header().Set("Retry-After", "300")
				http.Error(w, "too many requests", http.StatusTooManyRequests)

				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="klyro"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			name, ok := keys.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if !ok {
				limiter.record(ip)
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="klyro", error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("key", name),
				slog.String("ip", ip),
			)

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKeyName, name)))
		})
	}
}
