package recovery

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound chunk bytes. Pause blocks the caller for the
// duration the limiter computes and returns the time actually paused.
// A nil RateLimiter on the handler means unthrottled transfer.
type RateLimiter interface {
	Pause(bytes int64) time.Duration
	MinPauseCheckBytes() int64
}

// TokenBucketRateLimiter implements RateLimiter with a token bucket where
// one token is one byte.
type TokenBucketRateLimiter struct {
	limiter       *rate.Limiter
	burst         int
	minPauseCheck int64
}

// NewTokenBucketRateLimiter builds a limiter for the given throughput.
// bytesPerSec <= 0 disables pacing entirely.
func NewTokenBucketRateLimiter(bytesPerSec int64) *TokenBucketRateLimiter {
	if bytesPerSec <= 0 {
		return &TokenBucketRateLimiter{limiter: rate.NewLimiter(rate.Inf, 1), burst: 1}
	}

	burst := int(bytesPerSec)

	// Pausing on every chunk wastes wakeups at high rates; check at most
	// ten times per second, but at least once per 8MiB.
	minPauseCheck := bytesPerSec / 10
	if minPauseCheck > 8<<20 {
		minPauseCheck = 8 << 20
	}
	if minPauseCheck < 1 {
		minPauseCheck = 1
	}

	return &TokenBucketRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:         burst,
		minPauseCheck: minPauseCheck,
	}
}

func (t *TokenBucketRateLimiter) MinPauseCheckBytes() int64 {
	return t.minPauseCheck
}

func (t *TokenBucketRateLimiter) Pause(bytes int64) time.Duration {
	if t.limiter.Limit() == rate.Inf || bytes <= 0 {
		return 0
	}

	n := bytes
	if n > int64(t.burst) {
		n = int64(t.burst)
	}

	start := time.Now()
	if err := t.limiter.WaitN(context.Background(), int(n)); err != nil {
		return 0
	}
	paused := time.Since(start)
	if paused < time.Millisecond {
		return 0
	}
	return paused
}
