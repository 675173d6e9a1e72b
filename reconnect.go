package livefeed

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Reconnect defaults. They are exposed through Config and LIVEFEED_* env vars.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 1 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 30 * time.Second
)

// maxJitter bounds the jitter fraction a policy may carry.
const maxJitter = 0.5

// ReconnectPolicy bounds the attempts made on one transport. A policy is
// immutable once built by NewReconnectPolicy.
type ReconnectPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	maxDelay    time.Duration
	jitter      float64
}

// PolicyParams are the raw inputs of a ReconnectPolicy.
//
// Jitter is a fraction in [0, 0.5]. When non-zero every backoff delay is
// scaled by a random factor in [1-Jitter, 1+Jitter] after clamping, so waits
// may exceed MaxDelay by at most that fraction. Zero disables jitter.
type PolicyParams struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicyParams returns the stock parameters: 4 attempts, 1s base
// delay doubling up to 30s, no jitter.
func DefaultPolicyParams() PolicyParams {
	return PolicyParams{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
	}
}

// NewReconnectPolicy validates p and returns an immutable policy.
func NewReconnectPolicy(p PolicyParams) (ReconnectPolicy, error) {
	if p.MaxAttempts < 1 {
		return ReconnectPolicy{}, &ConfigError{Field: "maxAttempts", Reason: fmt.Sprintf("must be >= 1, got %d", p.MaxAttempts)}
	}
	if p.BaseDelay <= 0 {
		return ReconnectPolicy{}, &ConfigError{Field: "baseDelay", Reason: fmt.Sprintf("must be > 0, got %s", p.BaseDelay)}
	}
	if p.Multiplier < 1 || math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) {
		return ReconnectPolicy{}, &ConfigError{Field: "multiplier", Reason: fmt.Sprintf("must be >= 1, got %v", p.Multiplier)}
	}
	if p.MaxDelay < p.BaseDelay {
		return ReconnectPolicy{}, &ConfigError{Field: "maxDelay", Reason: fmt.Sprintf("must be >= baseDelay (%s), got %s", p.BaseDelay, p.MaxDelay)}
	}
	if p.Jitter < 0 || p.Jitter > maxJitter || math.IsNaN(p.Jitter) {
		return ReconnectPolicy{}, &ConfigError{Field: "jitter", Reason: fmt.Sprintf("must be within [0, %v], got %v", maxJitter, p.Jitter)}
	}
	return ReconnectPolicy{
		maxAttempts: p.MaxAttempts,
		baseDelay:   p.BaseDelay,
		multiplier:  p.Multiplier,
		maxDelay:    p.MaxDelay,
		jitter:      p.Jitter,
	}, nil
}

// MustReconnectPolicy is NewReconnectPolicy for static parameters; it panics
// on invalid input.
func MustReconnectPolicy(p PolicyParams) ReconnectPolicy {
	policy, err := NewReconnectPolicy(p)
	if err != nil {
		panic(err)
	}
	return policy
}

func (p ReconnectPolicy) MaxAttempts() int         { return p.maxAttempts }
func (p ReconnectPolicy) BaseDelay() time.Duration { return p.baseDelay }
func (p ReconnectPolicy) Multiplier() float64      { return p.multiplier }
func (p ReconnectPolicy) MaxDelay() time.Duration  { return p.maxDelay }
func (p ReconnectPolicy) Jitter() float64          { return p.jitter }

// valid reports whether p was produced by NewReconnectPolicy.
func (p ReconnectPolicy) valid() bool {
	return p.maxAttempts >= 1 && p.baseDelay > 0
}

// Params returns the parameters p was built from.
func (p ReconnectPolicy) Params() PolicyParams {
	return PolicyParams{
		MaxAttempts: p.maxAttempts,
		BaseDelay:   p.baseDelay,
		Multiplier:  p.multiplier,
		MaxDelay:    p.maxDelay,
		Jitter:      p.jitter,
	}
}

// Backoff returns the un-jittered wait after attempt n (0-indexed):
// min(baseDelay * multiplier^n, maxDelay).
func (p ReconnectPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.baseDelay) * math.Pow(p.multiplier, float64(n))
	if math.IsInf(d, 0) || d > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(d)
}

// delay is Backoff(n) perturbed by the policy's jitter.
func (p ReconnectPolicy) delay(n int) time.Duration {
	d := p.Backoff(n)
	if p.jitter == 0 {
		return d
	}
	factor := 1 + p.jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
