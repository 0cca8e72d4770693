package huntflow

import (
	"hash/fnv"
	"math"
	"time"
)

// RetryPolicy defines retry behavior for one step kind. Policies attach
// to step definitions, not to individual runs.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Must be at least 1.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// Multiplier is applied to the backoff after each retry.
	Multiplier float64

	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration

	// Jitter is a random factor in [0,1) applied to the delay, e.g. 0.1
	// varies the delay by up to ±10%.
	Jitter float64

	// RetryableKinds lists the error kinds this policy retries. Empty
	// means the kind's own default (transient and timeout).
	RetryableKinds []ErrorKind
}

// DefaultRetryPolicy mirrors the retry behavior of the original pipeline:
// three attempts, one second initial backoff, doubled each retry, capped
// at ten seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	Multiplier:     2.0,
	MaxBackoff:     10 * time.Second,
	Jitter:         0.1,
}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Multiplier: 1.0}
}

// ShouldRetry reports whether another attempt is allowed after
// attemptsMade attempts ending in an error of the given kind.
func (p RetryPolicy) ShouldRetry(attemptsMade int, kind ErrorKind) bool {
	if attemptsMade >= p.MaxAttempts {
		return false
	}

	if len(p.RetryableKinds) == 0 {
		return kind.Retryable()
	}

	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// BackoffFor returns the delay before retry number attempt (1-based: the
// delay after the first failed attempt is BackoffFor(1)). The base delay
// is min(InitialBackoff × Multiplier^(attempt−1), MaxBackoff). Jitter is
// derived from the (runID, stepName, attempt) tuple rather than a random
// source so that replaying the same history always yields the same
// decision.
func (p RetryPolicy) BackoffFor(runID, stepName string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 {
		// Map the attempt identity onto [1-jitter, 1+jitter).
		h := fnv.New64a()
		h.Write([]byte(runID))
		h.Write([]byte{0})
		h.Write([]byte(stepName))
		h.Write([]byte{byte(attempt)})
		frac := float64(h.Sum64()%1000) / 1000.0
		base *= 1 - p.Jitter + 2*p.Jitter*frac
	}

	return time.Duration(base)
}
