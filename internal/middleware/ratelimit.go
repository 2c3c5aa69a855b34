package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kite-server/internal/metrics"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitStore keeps a token bucket per client key (user or IP).
type RateLimitStore struct {
	limiters map[string]*limiterEntry
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

// NewRateLimitStore allows perMinute requests per key with bursts of up to
// burst requests.
func NewRateLimitStore(perMinute, burst int) *RateLimitStore {
	return &RateLimitStore{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

// GetLimiter gets or creates the limiter for key.
func (rls *RateLimitStore) GetLimiter(key string) *rate.Limiter {
	rls.mutex.Lock()
	defer rls.mutex.Unlock()

	entry, ok := rls.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rls.limit, rls.burst)}
		rls.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Cleanup drops limiters that have been idle longer than the idle window.
func (rls *RateLimitStore) Cleanup(now time.Time) int {
	rls.mutex.Lock()
	defer rls.mutex.Unlock()

	removed := 0
	for key, entry := range rls.limiters {
		if now.Sub(entry.lastSeen) > rls.idle {
			delete(rls.limiters, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup periodically until done is closed.
func (rls *RateLimitStore) Run(done <-chan struct{}) {
	ticker := time.NewTicker(rls.idle)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			rls.Cleanup(now)
		}
	}
}

func clientKey(r *http.Request) string {
	if userID := UserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + GetClientIP(r)
}

// RateLimit rejects requests beyond the per-client budget with 429. Placed
// after RequireAuth it limits per user, otherwise per IP.
func RateLimit(store *RateLimitStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := store.GetLimiter(clientKey(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(store.burst))

			if !limiter.Allow() {
				metrics.RateLimitedTotal.Inc()
				retry := time.Duration(float64(time.Second) / float64(store.limit))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retry.Seconds()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
			next.ServeHTTP(w, r)
		})
	}
}
