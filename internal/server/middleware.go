package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/almanac/internal/auth"
	"github.com/mesh-intelligence/almanac/internal/wire"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

type ctxKey int

const identityKey ctxKey = iota

// identityFrom returns the authenticated identity set by authenticate.
func identityFrom(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityKey).(types.Identity)
	return id, ok
}

// authenticate verifies the bearer token and stores the identity in the
// request context. Websocket clients that cannot set headers may pass the
// token as the access_token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, types.ErrUnauthorized)
			return
		}
		id, err := auth.Verify(s.secret, token)
		if err != nil {
			s.log.WithError(err).WithField("path", r.URL.Path).Warn("token rejected")
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// requestLog logs every API request at debug level.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		entry := s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    route,
			"duration": time.Since(start),
		})
		if id, ok := identityFrom(r.Context()); ok {
			entry = entry.WithField("owner", id.Subject)
		}
		entry.Debug("request")
	})
}

// rateLimiter keeps one token bucket per subject.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// middleware rejects requests over the subject's limit with 429. It runs
// after authenticate; unauthenticated requests are keyed by address.
func (rl *rateLimiter) middleware(log logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if id, ok := identityFrom(r.Context()); ok {
				key = id.Subject
			}
			if !rl.get(key).Allow() {
				log.WithFields(logrus.Fields{"key": key, "path": r.URL.Path}).Warn("rate limit exceeded")
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, wire.ErrorBody{
					Code:    wire.CodeRateLimited,
					Message: "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
