package api

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// userLimiter hands out one token bucket per user. Buckets of users that go
// quiet expire from the cache.
type userLimiter struct {
	mu      sync.Mutex
	perMin  int
	buckets *cache.Cache
}

func newUserLimiter(perMinute int, idle time.Duration) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &userLimiter{perMin: perMinute, buckets: cache.New(idle, idle)}
}

// Allow reports whether userID may start another turn now. A nil limiter allows everything.
func (l *userLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var lim *rate.Limiter
	if v, ok := l.buckets.Get(userID); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
	}
	// touch to push expiry forward
	l.buckets.SetDefault(userID, lim)
	return lim.Allow()
}
