package myMiddleware

import (
	"maps"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore hands out one token bucket per key. Buckets unused for longer than the
// idle interval are swept, so a returning key starts with a full bucket.
type LimiterStore struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	idle    time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	*rate.Limiter
	used time.Time
}

// NewLimiterStore allows perMinute events per key with the given burst. idle is both the
// sweep period and the age at which an unused bucket is dropped; it is raised to the
// time a bucket needs to refill so a sweep never hands out extra tokens.
func NewLimiterStore(perMinute, burst int, idle time.Duration) *LimiterStore {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	refill := time.Duration(burst) * time.Minute / time.Duration(perMinute)
	idle = max(idle, refill, time.Second)

	s := &LimiterStore{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		buckets: map[string]*bucket{},
		idle:    idle,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepEvery(idle)
	return s
}

func (s *LimiterStore) sweepEvery(d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep drops idle buckets and returns how many are left.
func (s *LimiterStore) sweep() int {
	cutoff := s.now().Add(-s.idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.DeleteFunc(s.buckets, func(_ string, b *bucket) bool {
		return b.used.Before(cutoff)
	})
	return len(s.buckets)
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (s *LimiterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Allow takes one token from key's bucket and reports whether one was available.
func (s *LimiterStore) Allow(key string) bool {
	s.mu.Lock()
	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	b.used = now
	s.mu.Unlock()
	return b.AllowN(now, 1)
}

// AllowUser is Allow keyed by a user id, for the realtime relay.
func (s *LimiterStore) AllowUser(userID int64) bool {
	return s.Allow("user:" + strconv.FormatInt(userID, 10))
}

// ClientIP keys a request by its remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects requests over the store's limit with 429. key picks the bucket;
// nil means ClientIP.
func RateLimit(store *LimiterStore, key func(*http.Request) string) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.Allow(key(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
