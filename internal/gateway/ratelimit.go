// ABOUTME: Per-principal token bucket limiter for message sends
// ABOUTME: Limiters are created on first use and kept for the life of the process

package gateway

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/2389/coven-chat/internal/auth"
)

const defaultBurst = 10

// limiterPool hands out one limiter per principal.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if burst <= 0 {
		burst = defaultBurst
	}
	return &limiterPool{
		m:     make(map[string]*rate.Limiter),
		rps:   rps,
		burst: burst,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// Allow reports whether key may send now, consuming a token if so.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len returns the number of principals seen.
func (p *limiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// rateLimit rejects sends beyond the principal's budget with 429. A nil pool
// disables limiting.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	if g.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.PrincipalID(r.Context())
		if !g.limiter.Allow(principal) {
			g.metrics.RateLimited()
			w.Header().Set("Retry-After", "1")
			g.writeEnvelope(w, http.StatusTooManyRequests, Envelope{
				Error: &ErrorBody{Message: "too many messages, slow down", Kind: "rate_limited"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
