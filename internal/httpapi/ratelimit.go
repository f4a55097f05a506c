package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/auth"
)

// Writes are limited per subject with a token bucket: bursts up to Burst writes,
// refilled at MaxRequests per WindowSeconds. REST writes and websocket write frames
// draw from the same bucket.

// idleBucketTTL is how long an untouched bucket is kept before a sweep drops it
const idleBucketTTL = time.Hour

const sweepInterval = 10 * time.Minute

// admission is the outcome of asking a bucket for one write
type admission struct {
	Allowed   bool
	Remaining int
	// NextToken is when the next write will be admitted
	NextToken time.Time
	// Full is when the bucket will be back to Burst
	Full time.Time
}

// retryAfter is the whole number of seconds until the next token, at least 1
func (a admission) retryAfter(now time.Time) int {
	secs := int(a.NextToken.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// TokenBucket is the write budget of one subject
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// take refills the bucket up to now and consumes a token if one is available.
// Callers serialize access.
func (tb *TokenBucket) take(now time.Time) admission {
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	full := now.Add(time.Duration((tb.capacity - tb.tokens) / tb.refillRate * float64(time.Second)))
	if tb.tokens >= 1.0 {
		tb.tokens--
		return admission{Allowed: true, Remaining: int(tb.tokens), NextToken: now, Full: full}
	}
	wait := (1.0 - tb.tokens) / tb.refillRate
	return admission{NextToken: now.Add(time.Duration(wait * float64(time.Second))), Full: full}
}

// RateLimiter holds the buckets of every subject that wrote recently
type RateLimiter struct {
	config RateLimitInfo
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	lastSweep time.Time
}

// NewRateLimiter returns a limiter for config, or nil when config disables limiting
func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	if config.MaxRequests <= 0 || config.WindowSeconds <= 0 || config.Burst <= 0 {
		return nil
	}
	return &RateLimiter{
		config:    config,
		now:       time.Now,
		buckets:   make(map[string]*TokenBucket),
		lastSweep: time.Now(),
	}
}

// Admit charges one write to subject. A nil limiter admits everything.
func (rl *RateLimiter) Admit(subject string) admission {
	if rl == nil {
		return admission{Allowed: true}
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) > sweepInterval {
		for sub, b := range rl.buckets {
			if now.Sub(b.lastRefill) > idleBucketTTL {
				delete(rl.buckets, sub)
			}
		}
		rl.lastSweep = now
	}
	b, ok := rl.buckets[subject]
	if !ok {
		b = NewTokenBucket(rl.config.Burst, float64(rl.config.MaxRequests)/float64(rl.config.WindowSeconds))
		b.lastRefill = now
		rl.buckets[subject] = b
	}
	return b.take(now)
}

// writeLimiter returns the server's shared limiter, created on first use
func (s *Server) writeLimiter() *RateLimiter {
	s.limiterOnce.Do(func() {
		s.limiter = NewRateLimiter(s.RateLimitConfig)
	})
	return s.limiter
}

// limitWrites rejects REST writes over the subject's budget with 429
func (s *Server) limitWrites(next http.Handler) http.Handler {
	limiter := s.writeLimiter()
	if limiter == nil {
		return next
	}
	cfg := s.RateLimitConfig
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Subject is set by the auth middleware
		subject := auth.Subject(r.Context())
		if subject == "" {
			next.ServeHTTP(w, r)
			return
		}

		a := limiter.Admit(subject)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(a.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(a.Full.Unix(), 10))
		w.Header().Set("X-RateLimit-Burst", strconv.Itoa(cfg.Burst))
		if !a.Allowed {
			retry := a.retryAfter(limiter.now())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			log.Ctx(r.Context()).Warn().
				Str("sub", subject).
				Str("path", r.URL.Path).
				Int("retryAfter", retry).
				Msg("write rate limit exceeded")
			writeError(w, r, http.StatusTooManyRequests,
				"Rate limit exceeded. Please retry after "+strconv.Itoa(retry)+" seconds.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
