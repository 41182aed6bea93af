package workflow

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/warren/pkg/vault"
)

// Policy produces the transition retry schedule: retry k (0-indexed) sleeps
// min(base*2^k + jitter, limit) with jitter drawn uniformly from +/-25% of
// base*2^k.
type Policy struct {
	base    time.Duration
	limit   time.Duration
	attempt int
}

var _ backoff.BackOff = (*Policy)(nil)

func NewPolicy(base, limit time.Duration) *Policy {
	return &Policy{base: base, limit: limit}
}

func (p *Policy) NextBackOff() time.Duration {
	exp := float64(p.base) * math.Pow(2, float64(p.attempt))
	p.attempt++
	jitter := (rand.Float64() - 0.5) * 0.5 * exp
	d := time.Duration(exp + jitter)
	if d < 0 || d > p.limit {
		d = p.limit
	}
	return d
}

func (p *Policy) Reset() { p.attempt = 0 }

// retryable reports whether another attempt could help. Permission errors
// never clear on retry, whatever kind wraps them.
func retryable(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return false
	}
	return vault.IsRetryable(err)
}
