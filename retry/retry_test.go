package retry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayGrowsExponentially(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: time.Minute}
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
}

func TestPolicyDelayCapsAtMax(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: 5 * time.Second}
	require.Equal(t, 5*time.Second, p.Delay(10))
}

func TestPolicyJitterBounds(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Factor: 1, JitterRatio: 0.5, Rand: func() float64 { return 0 }}
	require.Equal(t, 5*time.Second, p.Delay(1))
	p.Rand = func() float64 { return 0.999999 }
	d := p.Delay(1)
	require.InDelta(t, float64(15*time.Second), float64(d), float64(time.Millisecond))
}

func TestPolicyClampsAttemptBelowOne(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2}
	require.Equal(t, p.Delay(1), p.Delay(0))
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{Base: time.Second, Factor: 2}
	require.Equal(t, now.Add(2*time.Second), p.NextAttempt(now, 2))
}

func TestStepPolicyShouldRetry(t *testing.T) {
	p := StepPolicy{MaxAttempts: 3, Strategy: StrategyFixed}
	require.True(t, p.ShouldRetry(1))
	require.True(t, p.ShouldRetry(2))
	require.False(t, p.ShouldRetry(3))

	none := StepPolicy{MaxAttempts: 3, Strategy: StrategyNone}
	require.False(t, none.ShouldRetry(1))

	zero := StepPolicy{MaxAttempts: 3}
	require.False(t, zero.ShouldRetry(1))
}

func TestStepPolicyFixedDelay(t *testing.T) {
	p := StepPolicy{MaxAttempts: 5, Strategy: StrategyFixed, InitialDelay: 3 * time.Second}
	require.Equal(t, 3*time.Second, p.Delay(2))
	require.Equal(t, 3*time.Second, p.Delay(5))
}

func TestStepPolicyExponentialDelay(t *testing.T) {
	p := StepPolicy{MaxAttempts: 5, Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, p.Delay(2))
	require.Equal(t, 2*time.Second, p.Delay(3))
	require.Equal(t, 4*time.Second, p.Delay(4))
	require.Equal(t, 5*time.Second, p.Delay(5))
}

func TestStepPolicyJitterModes(t *testing.T) {
	base := StepPolicy{MaxAttempts: 3, Strategy: StrategyFixed, InitialDelay: 10 * time.Second}

	full := base
	full.Jitter = JitterFull
	full.Rand = func() float64 { return 0.5 }
	require.Equal(t, 5*time.Second, full.Delay(2))

	equal := base
	equal.Jitter = JitterEqual
	equal.Rand = func() float64 { return 0 }
	require.Equal(t, 5*time.Second, equal.Delay(2))
	equal.Rand = func() float64 { return 0.5 }
	require.Equal(t, 7500*time.Millisecond, equal.Delay(2))
}

func TestStepPolicyDelayNeverExceedsCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	properties.Property("jittered delay stays within [0, maxDelay]", prop.ForAll(
		func(attempt int, r float64) bool {
			p := StepPolicy{
				MaxAttempts:  MaxStepAttempts,
				Strategy:     StrategyExponential,
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
				Jitter:       JitterFull,
				Rand:         func() float64 { return r },
			}
			d := p.Delay(attempt)
			return d >= 0 && d <= time.Minute
		},
		gen.IntRange(2, MaxStepAttempts),
		gen.Float64Range(0, 0.999999),
	))
	properties.TestingRun(t)
}

func TestStepPolicyValidate(t *testing.T) {
	require.NoError(t, StepPolicy{MaxAttempts: 3, Strategy: StrategyExponential, InitialDelay: time.Second}.Validate())
	require.Error(t, StepPolicy{MaxAttempts: 0}.Validate())
	require.Error(t, StepPolicy{MaxAttempts: MaxStepAttempts + 1}.Validate())
	require.Error(t, StepPolicy{MaxAttempts: 3, Strategy: "linear"}.Validate())
	require.Error(t, StepPolicy{MaxAttempts: 3, Jitter: "half"}.Validate())
	require.Error(t, StepPolicy{MaxAttempts: 3, InitialDelay: MaxStepDelay + time.Second}.Validate())
}

func TestStepPolicyDelaysDecodeAsMilliseconds(t *testing.T) {
	var p StepPolicy
	require.NoError(t, json.Unmarshal([]byte(`{"maxAttempts":3,"strategy":"exponential","initialDelayMs":1000,"maxDelayMs":5000,"jitter":"none"}`), &p))
	require.Equal(t, time.Second, p.InitialDelay)
	require.Equal(t, 5*time.Second, p.MaxDelay)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{"maxAttempts":3,"strategy":"exponential","initialDelayMs":1000,"maxDelayMs":5000,"jitter":"none"}`, string(raw))
}

func TestJobIDSanitizesSegments(t *testing.T) {
	require.Equal(t, "workflow-retry--run-1--step-2", JobID("workflow:retry", "run:1", "", "step-2"))
}
