package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"apigate/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limit is one token bucket per client IP: Rate tokens a second, holding
// at most Burst. Scope separates buckets of different route groups.
type Limit struct {
	Scope string
	Rate  float64
	Burst int
}

// bucketScript refills and takes one token.
// KEYS[1]=bucket hash, ARGV = rate, burst, now (seconds).
// Returns { allowed, remaining, retry_after_ms }.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

tokens = math.min(burst, tokens + math.max(0, now - ts) * rate)
if tokens < 1 then
    return { 0, 0, math.ceil((1 - tokens) / rate * 1000) }
end

tokens = tokens - 1
redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("EXPIRE", KEYS[1], math.ceil(burst / rate * 2))
return { 1, math.floor(tokens), 0 }
`)

var errBucketReply = errors.New("unexpected rate limit script reply")

const (
	redisLimitTimeout = 100 * time.Millisecond
	localBucketIdle   = 10 * time.Minute
)

type decision struct {
	allowed    bool
	remaining  int
	retryAfter time.Duration
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiter holds the shared Redis bucket and the process-local fallback
// used while Redis is missing or failing.
type limiter struct {
	rdb   redis.UniversalClient
	limit Limit

	mu        sync.Mutex
	local     map[string]*localBucket
	lastSweep time.Time
}

// RateLimit rejects requests over l with 429. Buckets live in Redis when
// rdb is set, so every instance shares them; a nil or failing rdb falls
// back to buckets in this process rather than refusing traffic.
func RateLimit(rdb redis.UniversalClient, l Limit) gin.HandlerFunc {
	if l.Rate <= 0 {
		l.Rate = 5
	}
	if l.Burst <= 0 {
		l.Burst = int(math.Ceil(l.Rate))
	}
	lim := &limiter{rdb: rdb, limit: l, local: make(map[string]*localBucket)}

	return func(c *gin.Context) {
		d := lim.take(c.Request.Context(), c.ClientIP(), time.Now())

		c.Header("X-RateLimit-Limit", strconv.Itoa(l.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		if !d.allowed {
			secs := int(math.Ceil(d.retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many requests"})
			return
		}
		c.Next()
	}
}

func (l *limiter) take(ctx context.Context, ip string, now time.Time) decision {
	if l.rdb != nil {
		d, err := l.takeRedis(ctx, ip, now)
		if err == nil {
			return d
		}
		logger.Warn("redis rate limit failed, using local buckets",
			zap.String("scope", l.limit.Scope), zap.String("ip", ip), zap.Error(err))
	}
	return l.takeLocal(ip, now)
}

func (l *limiter) takeRedis(ctx context.Context, ip string, now time.Time) (decision, error) {
	ctx, cancel := context.WithTimeout(ctx, redisLimitTimeout)
	defer cancel()

	key := "ratelimit:" + l.limit.Scope + ":" + ip
	res, err := bucketScript.Run(ctx, l.rdb, []string{key},
		l.limit.Rate, l.limit.Burst, float64(now.UnixMicro())/1e6).Int64Slice()
	if err != nil {
		return decision{}, err
	}
	if len(res) != 3 {
		return decision{}, errBucketReply
	}
	return decision{
		allowed:    res[0] == 1,
		remaining:  int(res[1]),
		retryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (l *limiter) takeLocal(ip string, now time.Time) decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > localBucketIdle {
		for k, b := range l.local {
			if now.Sub(b.lastSeen) > localBucketIdle {
				delete(l.local, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.local[ip]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(l.limit.Rate), l.limit.Burst)}
		l.local[ip] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return decision{allowed: true, remaining: int(b.limiter.TokensAt(now))}
	}
	missing := 1 - b.limiter.TokensAt(now)
	return decision{retryAfter: time.Duration(missing / l.limit.Rate * float64(time.Second))}
}
