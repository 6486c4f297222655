package delivery

import (
	"math/rand"
	"time"
)

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
