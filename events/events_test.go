package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimitDurationsDecodeAsMilliseconds(t *testing.T) {
	var rl RateLimit
	require.NoError(t, json.Unmarshal([]byte(`{"source":"shop","limit":10,"intervalMs":60000,"pauseMs":300000}`), &rl))
	require.Equal(t, time.Minute, rl.Interval)
	require.Equal(t, 5*time.Minute, rl.Pause)

	raw, err := json.Marshal(rl)
	require.NoError(t, err)
	require.JSONEq(t, `{"source":"shop","limit":10,"intervalMs":60000,"pauseMs":300000}`, string(raw))
}
