package signaling

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// TokenValidator authorizes a gmv-token header value. Concrete
// implementations may check a static allowlist, a session store, or an
// upstream auth service.
type TokenValidator interface {
	Valid(token string) bool
}

// StaticTokens is a TokenValidator backed by a fixed set, useful for
// tests and single-operator deployments.
type StaticTokens map[string]struct{}

func (s StaticTokens) Valid(token string) bool {
	_, ok := s[token]
	return ok
}

// limiterSet hands out one rate.Limiter per token, grounded on
// gtfodev-camsRelay/pkg/nest's per-key rate.NewLimiter usage.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *limiterSet) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// requireToken wraps next with gmv-token validation and per-token rate
// limiting, per spec §6: "Authentication header gmv-token: <opaque>
// required on every REST call except /edge/upload/picture/{token}."
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("gmv-token")
		if token == "" || !s.tokens.Valid(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !s.limiter.allow(token) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
