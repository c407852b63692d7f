package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy names accepted by Delay.
const (
	Fixed          = "fixed"
	Linear         = "linear"
	Exponential    = "exponential"
	ExpEqualJitter = "exp_equal_jitter"
	ExpFullJitter  = "exp_full_jitter"
)

// Policy bounds a retry loop. Attempts counts every call, including the
// first one.
type Policy struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// Delay returns how long to wait before retry number attempt (0 based).
// Unknown strategies behave like ExpFullJitter.
func Delay(strategy string, base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	exp := func() time.Duration {
		d := float64(base) * math.Pow(2, float64(attempt))
		if d >= float64(max) {
			return max
		}
		return time.Duration(d)
	}
	switch strategy {
	case Fixed:
		return min(base, max)
	case Linear:
		return min(base*time.Duration(maxInt(1, attempt)), max)
	case Exponential:
		return exp()
	case ExpEqualJitter:
		half := exp() / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default:
		return time.Duration(rng.Int63n(int64(exp()) + 1))
	}
}

// Retry calls fn until it succeeds, the attempts run out or ctx ends. The
// last error from fn is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == p.Attempts-1 {
			break
		}
		timer := time.NewTimer(Delay(p.Strategy, p.Base, p.Max, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
