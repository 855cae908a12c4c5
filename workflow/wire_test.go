package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStepDecodesMillisecondTimeout(t *testing.T) {
	var step Step
	require.NoError(t, json.Unmarshal([]byte(`{"type":"job","id":"a","jobSlug":"x","timeoutMs":5000}`), &step))
	require.Equal(t, 5*time.Second, step.Timeout)
	require.Equal(t, "x", step.JobSlug)
}

func TestStepTimeoutRoundTrip(t *testing.T) {
	step := Step{Type: StepTypeJob, ID: "a", JobSlug: "x", Timeout: 90 * time.Second}
	raw, err := json.Marshal(step)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"job","id":"a","jobSlug":"x","timeoutMs":90000}`, string(raw))

	var back Step
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, step, back)
}

func TestStepOmitsZeroTimeout(t *testing.T) {
	raw, err := json.Marshal(Step{Type: StepTypeJob, ID: "a", JobSlug: "x"})
	require.NoError(t, err)
	require.NotContains(t, string(raw), "timeoutMs")

	var step Step
	require.NoError(t, json.Unmarshal([]byte(`{"type":"job","id":"a","jobSlug":"x"}`), &step))
	require.Zero(t, step.Timeout)
}

func TestFanOutTemplateTimeoutDecodes(t *testing.T) {
	payload := `{
		"type": "fanout",
		"id": "fan",
		"collection": [1, 2],
		"template": {"type": "job", "id": "child", "jobSlug": "x", "timeoutMs": 1500}
	}`
	var step Step
	require.NoError(t, json.Unmarshal([]byte(payload), &step))
	require.NotNil(t, step.Template)
	require.Equal(t, 1500*time.Millisecond, step.Template.Timeout)
}

func TestStepRetryPolicyDelaysDecode(t *testing.T) {
	payload := `{
		"type": "job",
		"id": "a",
		"jobSlug": "x",
		"retryPolicy": {"maxAttempts": 3, "strategy": "exponential", "initialDelayMs": 1000, "maxDelayMs": 5000, "jitter": "none"}
	}`
	var step Step
	require.NoError(t, json.Unmarshal([]byte(payload), &step))
	require.NotNil(t, step.Retry)
	require.Equal(t, time.Second, step.Retry.InitialDelay)
	require.Equal(t, 5*time.Second, step.Retry.MaxDelay)
}

func TestThrottleWindowRoundTrip(t *testing.T) {
	var th Throttle
	require.NoError(t, json.Unmarshal([]byte(`{"windowMs":60000,"count":5}`), &th))
	require.Equal(t, time.Minute, th.Window)

	raw, err := json.Marshal(th)
	require.NoError(t, err)
	require.JSONEq(t, `{"windowMs":60000,"count":5}`, string(raw))
}

func TestFreshnessBoundsRoundTrip(t *testing.T) {
	var f Freshness
	require.NoError(t, json.Unmarshal([]byte(`{"maxAgeMs":3600000,"ttlMs":1800000,"cadenceMs":600000}`), &f))
	require.Equal(t, time.Hour, f.MaxAge)
	require.Equal(t, 30*time.Minute, f.TTL)
	require.Equal(t, 10*time.Minute, f.Cadence)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.JSONEq(t, `{"maxAgeMs":3600000,"ttlMs":1800000,"cadenceMs":600000}`, string(raw))
}
