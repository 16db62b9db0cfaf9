package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/sqlflow-dev/sqlflow"
)

// errTestTransient stands in for sqlflow.ErrNetworkTransient et al. in
// tests that exercise the retry loop generically.
var errTestTransient = errors.New("test transient error")

func fastPolicy() Policy {
	return Policy{
		MaxRequestsPerMinute: 6000,
		BurstSize:            100,
		RateLimitStrategy:    Wait,
		FailureThreshold:     3,
		RecoveryTimeout:      10 * time.Millisecond,
		SuccessThreshold:     1,
		MaxAttempts:          3,
		InitialDelay:         1 * time.Millisecond,
		BackoffMultiplier:    2,
		RetryableKinds:       []error{errTestTransient},
	}
}

func TestEnvelope_SucceedsOnFirstAttempt(t *testing.T) {
	env := New("t", fastPolicy())

	calls := 0
	err := env.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestEnvelope_RetriesThenSucceeds(t *testing.T) {
	env := New("t", fastPolicy())

	calls := 0
	err := env.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("fetch failed: %w", errTestTransient)
		}

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestEnvelope_NeverExceedsMaxAttempts(t *testing.T) {
	policy := fastPolicy()
	policy.FailureThreshold = 100 // keep the breaker closed for this test
	env := New("t", policy)

	calls := 0
	err := env.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTestTransient
	})

	assert.Error(t, err)
	assert.True(t, errors.Is(err, sqlflow.ErrRetryExhausted))
	assert.Equal(t, policy.MaxAttempts, calls)
}

func TestEnvelope_NonRetryableKindPropagatesImmediately(t *testing.T) {
	policy := fastPolicy()
	policy.RetryableKinds = []error{sqlflow.ErrExecution}
	env := New("t", policy)

	calls := 0
	nonRetryable := errors.New("parameter invalid")

	err := env.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nonRetryable
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestEnvelope_RecoveryHookRunsOnceOnExhaustion(t *testing.T) {
	policy := fastPolicy()
	policy.FailureThreshold = 100

	recovered := 0
	policy.Recover = func(ctx context.Context) error {
		recovered++
		return nil
	}

	env := New("t", policy)

	err := env.Do(context.Background(), func(ctx context.Context) error {
		return errTestTransient
	})

	assert.Error(t, err)
	assert.Equal(t, 1, recovered)
}

func TestEnvelope_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1 // one call per Do, isolate breaker behavior
	policy.FailureThreshold = 2
	policy.RecoveryTimeout = time.Hour

	env := New("t", policy)

	for i := 0; i < 2; i++ {
		err := env.Do(context.Background(), func(ctx context.Context) error {
			return errors.New("fails")
		})
		assert.Error(t, err)
	}

	err := env.Do(context.Background(), func(ctx context.Context) error {
		return nil
	})
	assert.True(t, errors.Is(err, sqlflow.ErrCircuitOpen))

	state, _ := env.Health()
	assert.Equal(t, "open", state)
}

func TestEnvelope_CancellationStopsRetryLoop(t *testing.T) {
	env := New("t", fastPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.Do(ctx, func(ctx context.Context) error {
		return errors.New("fails")
	})

	assert.Error(t, err)
}

func TestPolicyFor_DatabaseVsRESTDefaults(t *testing.T) {
	db := PolicyFor("POSTGRES")
	assert.Equal(t, 3, db.MaxAttempts)
	assert.Equal(t, 300, db.MaxRequestsPerMinute)

	rest := PolicyFor("REST")
	assert.Equal(t, 5, rest.MaxAttempts)
}

func TestWithPreset_OverlaysNonZeroFieldsOnly(t *testing.T) {
	base := DefaultDatabasePolicy()
	preset := sqlflow.ResiliencePreset{MaxAttempts: 7}

	out := WithPreset(base, preset)
	assert.Equal(t, 7, out.MaxAttempts)
	assert.Equal(t, base.InitialDelay, out.InitialDelay)
}

// TestBackoffDelay_NeverExceedsCeiling guards testable property §8.6: total
// wait time must never exceed Σ initial_delay×backoff_multiplier^i, so each
// individual sleep must stay within [0, delay).
func TestBackoffDelay_NeverExceedsCeiling(t *testing.T) {
	env := New("t", fastPolicy())

	for attempt := 1; attempt <= 5; attempt++ {
		ceiling := time.Duration(float64(env.policy.InitialDelay) * pow(env.policy.BackoffMultiplier, attempt-1))

		for i := 0; i < 50; i++ {
			got := env.backoffDelay(attempt)
			assert.True(t, got >= 0, "sleep must not be negative")
			assert.True(t, got < ceiling || ceiling == 0, "sleep %v must be less than ceiling %v", got, ceiling)
		}
	}
}

// TestDefaultPolicies_DoNotRetryUnclassifiedErrors guards spec.md §4.10 layer
// 3 / §7: non-retryable kinds (anything not in defaultRetryableKinds, e.g.
// sqlflow.ErrCapabilityUnsupported) must propagate on first failure even
// under the production default policies.
func TestDefaultPolicies_DoNotRetryUnclassifiedErrors(t *testing.T) {
	for _, policy := range []Policy{DefaultDatabasePolicy(), DefaultRESTPolicy()} {
		policy.RecoveryTimeout = time.Hour // keep the breaker from interfering
		env := New("t", policy)

		calls := 0
		err := env.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return sqlflow.ErrCapabilityUnsupported
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	}
}

// TestDefaultPolicies_RetryNetworkAndTimeoutKinds guards the flip side: the
// four kinds spec.md §4.10 layer 3 names must actually be retried under the
// production defaults.
func TestDefaultPolicies_RetryNetworkAndTimeoutKinds(t *testing.T) {
	for _, kind := range []error{sqlflow.ErrNetworkTransient, sqlflow.ErrTimeout, sqlflow.ErrConnectionReset, sqlflow.ErrDatabaseTransient} {
		policy := DefaultDatabasePolicy()
		policy.InitialDelay = time.Millisecond
		policy.RecoveryTimeout = time.Hour
		env := New("t", policy)

		calls := 0
		err := env.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 2 {
				return kind
			}

			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	}
}

// TestEnvelope_ExcludedKindsDoNotOpenCircuit guards spec.md §4.10 layer 2:
// parameter/config/capability errors never count toward the breaker's
// consecutive-failure tally.
func TestEnvelope_ExcludedKindsDoNotOpenCircuit(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1
	policy.FailureThreshold = 2
	policy.RecoveryTimeout = time.Hour

	env := New("t", policy)

	for i := 0; i < 10; i++ {
		err := env.Do(context.Background(), func(ctx context.Context) error {
			return sqlflow.ErrParameterInvalid
		})
		assert.Error(t, err)
	}

	state, counts := env.Health()
	assert.Equal(t, "closed", state)
	assert.Equal(t, uint32(0), counts.ConsecutiveFailures)
}
