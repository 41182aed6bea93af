package workflow

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/vault"
)

// sample resets the policy, burns k delays, and returns the k-th one.
func sample(p *Policy, k int) time.Duration {
	p.Reset()
	for i := 0; i < k; i++ {
		p.NextBackOff()
	}
	return p.NextBackOff()
}

func TestPolicySchedule(t *testing.T) {
	base := 100 * time.Millisecond
	p := NewPolicy(base, 10*time.Second)

	for k := 0; k <= 3; k++ {
		exp := base << k
		lo := time.Duration(float64(exp) * 0.75)
		hi := time.Duration(float64(exp) * 1.25)
		for i := 0; i < 50; i++ {
			d := sample(p, k)
			require.GreaterOrEqual(t, d, lo, "attempt %d", k)
			require.LessOrEqual(t, d, hi, "attempt %d", k)
		}
	}
}

func TestPolicyCap(t *testing.T) {
	// By attempt 2 the raw delay is 400ms +/- 100ms, always over the cap.
	p := NewPolicy(100*time.Millisecond, 150*time.Millisecond)
	for i := 0; i < 20; i++ {
		assert.Equal(t, 150*time.Millisecond, sample(p, 2))
	}
}

func TestPolicyReset(t *testing.T) {
	base := 100 * time.Millisecond
	p := NewPolicy(base, 10*time.Second)
	p.NextBackOff()
	p.NextBackOff()
	p.Reset()

	d := p.NextBackOff()
	assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
	assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"lock timeout", vault.Errorf(vault.KindLockTimeout, "x"), true},
		{"move failed", vault.Errorf(vault.KindMoveFailed, "x"), true},
		{"step timeout", vault.Errorf(vault.KindStepTimeout, "x"), true},
		{"invalid transition", vault.Errorf(vault.KindInvalidTransition, "x"), false},
		{"file not found", vault.Errorf(vault.KindFileNotFound, "x"), false},
		{"target exists", vault.Errorf(vault.KindTargetExists, "x"), false},
		{"schema invalid", vault.Errorf(vault.KindSchemaInvalid, "x"), false},
		{"permission denied under a retryable kind", vault.WrapError(vault.KindMoveFailed, fs.ErrPermission, "x"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryable(tc.err))
		})
	}
}
