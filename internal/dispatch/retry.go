package dispatch

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the transient-failure retry loop for one candidate.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `koanf:"max_retries"`

	// InitialBackoff is the delay before the first retry; it doubles each
	// retry up to MaxBackoff.
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// JitterFraction extends each delay by a random amount in
	// [0, JitterFraction) of the base delay.
	JitterFraction float64 `koanf:"jitter_fraction"`
}

// ApplyDefaults fills zero values with defaults.
func (p *RetryPolicy) ApplyDefaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 2 * time.Second
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 60 * time.Second
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = 0.2
	}
}

// Validate checks the policy for errors.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be > 0, got %v", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max_backoff %v must be >= initial_backoff %v", p.MaxBackoff, p.InitialBackoff)
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return fmt.Errorf("jitter_fraction must be in [0, 1), got %v", p.JitterFraction)
	}
	return nil
}

// retryState is the explicit attempt counter and delay schedule for one
// candidate. It owns no timers; callers sleep on their own clock.
type retryState struct {
	policy  RetryPolicy
	attempt int
}

func newRetryState(policy RetryPolicy) *retryState {
	return &retryState{policy: policy}
}

// next returns the delay before the following retry and whether the budget
// allows one. random must be in [0, 1).
func (s *retryState) next(random float64) (time.Duration, bool) {
	if s.attempt >= s.policy.MaxRetries {
		return 0, false
	}
	base := s.policy.InitialBackoff << s.attempt
	if base > s.policy.MaxBackoff || base <= 0 {
		base = s.policy.MaxBackoff
	}
	delay := base
	if s.policy.JitterFraction > 0 {
		delay += time.Duration(float64(base) * s.policy.JitterFraction * random)
	}
	s.attempt++
	return delay, true
}

// attempts reports how many attempts have been made so far, including the
// initial one once next has been consulted.
func (s *retryState) retries() int {
	return s.attempt
}

func randomFraction() float64 {
	return rand.Float64()
}
