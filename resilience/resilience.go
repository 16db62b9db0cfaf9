// Package resilience implements the four-layer envelope every remote-facing
// connector operation is wrapped in: rate limiter, circuit breaker, retry
// with jittered backoff, recovery hook (spec.md §4.10, component C10).
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sqlflow-dev/sqlflow"
)

// databaseConnectorTypes lists connector-type spellings that get the
// database family's resilience defaults; everything else gets the REST
// family's (spec.md §4.10, §9 open question resolved in SPEC_FULL.md §5).
var databaseConnectorTypes = map[string]bool{
	"POSTGRES": true, "MYSQL": true, "SQLITE": true,
}

// defaultRetryableKinds are the error sentinels the retry layer treats as
// transient (spec.md §4.10 layer 3): network failures, timeouts, connection
// resets, and the database-specific transient error class. Everything
// else — including sqlflow.ErrCapabilityUnsupported and the non-retryable
// parameter/config kinds (spec.md §7) — propagates on first failure. Shared
// across both connector families: spec.md §9's resolved default differs the
// attempt/delay/rate knobs per family, not the set of retryable kinds.
var defaultRetryableKinds = []error{
	sqlflow.ErrNetworkTransient,
	sqlflow.ErrTimeout,
	sqlflow.ErrConnectionReset,
	sqlflow.ErrDatabaseTransient,
}

// excludedFailureKinds are error kinds that never count toward the circuit
// breaker's consecutive-failure tally (spec.md §4.10 layer 2: "Excluded
// exception kinds (parameter errors, config errors) do not count toward
// failures").
var excludedFailureKinds = []error{
	sqlflow.ErrParameterInvalid,
	sqlflow.ErrConfigValidation,
	sqlflow.ErrCapabilityUnsupported,
}

// PolicyFor returns the default Policy for a connector type, keyed on
// connector family.
func PolicyFor(connectorType string) Policy {
	if databaseConnectorTypes[strings.ToUpper(connectorType)] {
		return DefaultDatabasePolicy()
	}

	return DefaultRESTPolicy()
}

// WithPreset overlays a config-supplied preset onto base, leaving fields the
// preset left at zero value untouched.
func WithPreset(base Policy, preset sqlflow.ResiliencePreset) Policy {
	out := base

	if preset.MaxAttempts != 0 {
		out.MaxAttempts = preset.MaxAttempts
	}

	if preset.InitialDelayMillis != 0 {
		out.InitialDelay = time.Duration(preset.InitialDelayMillis) * time.Millisecond
	}

	if preset.BackoffMultiplier != 0 {
		out.BackoffMultiplier = preset.BackoffMultiplier
	}

	if preset.MaxRequestsPerMin != 0 {
		out.MaxRequestsPerMinute = preset.MaxRequestsPerMin
	}

	if preset.BurstSize != 0 {
		out.BurstSize = preset.BurstSize
	}

	if preset.FailureThreshold != 0 {
		out.FailureThreshold = preset.FailureThreshold
	}

	if preset.RecoveryTimeoutSecs != 0 {
		out.RecoveryTimeout = time.Duration(preset.RecoveryTimeoutSecs) * time.Second
	}

	if preset.SuccessThreshold != 0 {
		out.SuccessThreshold = preset.SuccessThreshold
	}

	return out
}

// RateLimitStrategy controls behavior when the token bucket is exhausted.
type RateLimitStrategy int

const (
	Wait RateLimitStrategy = iota
	FailFast
)

// Policy is the full tunable set for one connector family.
type Policy struct {
	MaxRequestsPerMinute int
	BurstSize            int
	RateLimitStrategy    RateLimitStrategy

	FailureThreshold    int
	RecoveryTimeout     time.Duration
	SuccessThreshold    int

	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64

	// RetryableKinds lists the error-kind sentinels that the retry layer
	// will retry (matched with errors.Is); anything else, including an
	// empty/nil list, propagates on first failure (spec.md §4.10 layer 3:
	// "Retries only on a configured set of retryable kinds ... non-retryable
	// kinds propagate immediately"). DefaultDatabasePolicy and
	// DefaultRESTPolicy populate this with defaultRetryableKinds.
	RetryableKinds []error

	// Recover runs once, after retries are exhausted, before the final
	// failure is returned (spec.md §4.10 layer 4).
	Recover func(ctx context.Context) error
}

// DefaultDatabasePolicy matches spec.md §4.10's database family defaults.
func DefaultDatabasePolicy() Policy {
	return Policy{
		MaxRequestsPerMinute: 300,
		BurstSize:            30,
		RateLimitStrategy:    Wait,
		FailureThreshold:     5,
		RecoveryTimeout:      30 * time.Second,
		SuccessThreshold:     2,
		MaxAttempts:          3,
		InitialDelay:         1 * time.Second,
		BackoffMultiplier:    2,
		RetryableKinds:       defaultRetryableKinds,
	}
}

// DefaultRESTPolicy matches spec.md §4.10's REST family defaults: more
// attempts, longer recovery windows than the database family.
func DefaultRESTPolicy() Policy {
	return Policy{
		MaxRequestsPerMinute: 120,
		BurstSize:            10,
		RateLimitStrategy:    Wait,
		FailureThreshold:     10,
		RecoveryTimeout:      60 * time.Second,
		SuccessThreshold:     3,
		MaxAttempts:          5,
		InitialDelay:         2 * time.Second,
		BackoffMultiplier:    2,
		RetryableKinds:       defaultRetryableKinds,
	}
}

// Envelope composes a rate limiter, circuit breaker, and retry loop around
// an operation. One Envelope is built per connector instance.
type Envelope struct {
	policy  Policy
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// New builds an Envelope for the given name (used as the circuit breaker's
// identity in health reporting) and policy.
func New(name string, policy Policy) *Envelope {
	limiter := rate.NewLimiter(rate.Limit(float64(policy.MaxRequestsPerMinute)/60), policy.BurstSize)

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: policy.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(policy.FailureThreshold)
		},
		MaxRequests: uint32(policy.SuccessThreshold),
		// Excluded kinds (parameter errors, config errors) do not count
		// toward failures (spec.md §4.10 layer 2). gobreaker only exposes a
		// binary success/failure classifier, so the closest fit is to treat
		// them as non-failures rather than inventing a third state.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}

			return isExcludedFromBreaker(err)
		},
	}

	return &Envelope{
		policy:  policy,
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Health reports the breaker's current state for the health capability
// (spec.md §4.8, §4.10).
func (e *Envelope) Health() (state string, counts gobreaker.Counts) {
	return e.breaker.State().String(), e.breaker.Counts()
}

// Do runs op through the envelope: rate limiter, circuit breaker, retry,
// recovery hook, in that order on the call path.
func (e *Envelope) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := e.acquireRateLimit(ctx); err != nil {
		return err
	}

	_, err := e.breaker.Execute(func() (any, error) {
		return nil, e.retry(ctx, op)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return sqlflow.ErrCircuitOpen
	}

	return err
}

func (e *Envelope) acquireRateLimit(ctx context.Context) error {
	if e.policy.RateLimitStrategy == FailFast {
		if !e.limiter.Allow() {
			return sqlflow.ErrRateLimited
		}

		return nil
	}

	return e.limiter.Wait(ctx)
}

// retry runs op up to MaxAttempts times, full-jitter sleeping between
// attempts (see backoffDelay), retrying only errors matching RetryableKinds.
// On exhaustion the recovery hook runs once before the final error is
// returned.
func (e *Envelope) retry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return sqlflow.ErrCancelled
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !e.isRetryable(lastErr) {
			return lastErr
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.backoffDelay(attempt)

		select {
		case <-ctx.Done():
			return sqlflow.ErrCancelled
		case <-time.After(delay):
		}
	}

	if e.policy.Recover != nil {
		_ = e.policy.Recover(ctx)
	}

	return errWrap(sqlflow.ErrRetryExhausted, lastErr)
}

// backoffDelay computes attempt's ceiling (initial_delay *
// backoff_multiplier^(attempt-1)) and returns a full-jitter sleep uniformly
// drawn from [0, delay) (spec.md §4.10 layer 3, testable property §8.6: the
// per-attempt sleep must never exceed the ceiling, so jitter is taken out of
// the window rather than added on top of it).
func (e *Envelope) backoffDelay(attempt int) time.Duration {
	delay := float64(e.policy.InitialDelay) * pow(e.policy.BackoffMultiplier, attempt-1)

	return time.Duration(rand.Float64() * delay)
}

func (e *Envelope) isRetryable(err error) bool {
	for _, kind := range e.policy.RetryableKinds {
		if errors.Is(err, kind) {
			return true
		}
	}

	return false
}

// isExcludedFromBreaker reports whether err is one of the kinds spec.md
// §4.10 layer 2 excludes from the circuit breaker's failure count.
func isExcludedFromBreaker(err error) bool {
	for _, kind := range excludedFailureKinds {
		if errors.Is(err, kind) {
			return true
		}
	}

	return false
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}

	return result
}

func errWrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}

	return &wrappedError{sentinel: sentinel, cause: cause}
}

type wrappedError struct {
	sentinel error
	cause    error
}

func (w *wrappedError) Error() string {
	return w.sentinel.Error() + ": " + w.cause.Error()
}

func (w *wrappedError) Unwrap() []error {
	return []error{w.sentinel, w.cause}
}
