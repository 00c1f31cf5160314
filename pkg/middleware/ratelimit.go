package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL はこの期間アクセスの無いクライアントのリミッターを破棄する。
const limiterIdleTTL = 10 * time.Minute

// clientLimiter はクライアント毎のトークンバケットと最終アクセス時刻。
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore はクライアントキーからリミッターへの対応を保持する。
type limiterStore struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterStore(rps float64, burst int) *limiterStore {
	return &limiterStore{
		clients:   make(map[string]*clientLimiter),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// get はキーに対応するリミッターを返す。初回アクセス時に生成する。
// 一定間隔で放置されたリミッターを掃除するため、別ゴルーチンは持たない。
func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		cutoff := now.Add(-limiterIdleTTL)
		for k, cl := range s.clients {
			if cl.lastSeen.Before(cutoff) {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	if cl, ok := s.clients[key]; ok {
		cl.lastSeen = now
		return cl.limiter
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.clients[key] = &clientLimiter{limiter: lim, lastSeen: now}
	return lim
}

// RateLimit はクライアントIP単位でリクエスト数を制限するGinミドルウェアを返す。
// rpsが0以下の場合は何もしない。
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	store := newLimiterStore(rps, burst)

	return func(c *gin.Context) {
		lim := store.get(ClientIP(c.Request))
		if !lim.Allow() {
			retryAfter := int(math.Ceil(1 / rps))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
