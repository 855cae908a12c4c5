package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envLookup(nil))
	require.NoError(t, err)

	require.Equal(t, DefaultEventTriggerAttempts, cfg.EventTriggerAttempts)
	require.Equal(t, DefaultEventTriggerBackoff, cfg.EventTriggerBackoff)
	require.Equal(t, DefaultIngestJobAttempts, cfg.IngestJobAttempts)
	require.Equal(t, DefaultEventRetryBase, cfg.EventRetry.Base)
	require.Equal(t, DefaultEventRetryFactor, cfg.EventRetry.Factor)
	require.Equal(t, DefaultEventRetryMax, cfg.EventRetry.Max)
	require.Equal(t, DefaultEventRetryJitter, cfg.EventRetry.JitterRatio)
	require.Equal(t, DefaultTriggerErrorThreshold, cfg.TriggerErrorThreshold)
	require.Equal(t, DefaultMaterializerRefresh, cfg.MaterializerRefreshInterval)
	require.Equal(t, "apphub", cfg.MongoDatabase)
	require.False(t, cfg.SchemaEnforce)
	require.Empty(t, cfg.SourceRateLimits)
	require.Equal(t, "apphub_queue_workflow", cfg.QueueNames[QueueKeyWorkflow])
	require.Equal(t, "apphub_queue_event_trigger", cfg.QueueNames[QueueKeyEventTrigger])
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(envLookup(map[string]string{
		"REDIS_URL":                     "redis://broker:6379",
		"MONGO_URL":                     "mongodb://db:27017",
		"MONGO_DATABASE":                "orchestra",
		"EVENT_TRIGGER_ATTEMPTS":        "7",
		"EVENT_TRIGGER_BACKOFF_MS":      "1500",
		"EVENT_RETRY_BASE_MS":           "250",
		"EVENT_RETRY_FACTOR":            "3",
		"APPHUB_EVENT_SCHEMA_ENFORCE":   "true",
		"APPHUB_QUEUE_WORKFLOW":         "custom_workflow",
		"APPHUB_QUEUE_EVENTTRIGGER":     "custom_event_trigger",
		"EVENT_TRIGGER_ERROR_THRESHOLD": "9",
	}))
	require.NoError(t, err)

	require.Equal(t, "mongodb://db:27017", cfg.MongoURL)
	require.Equal(t, "orchestra", cfg.MongoDatabase)
	require.Equal(t, 7, cfg.EventTriggerAttempts)
	require.Equal(t, 1500*time.Millisecond, cfg.EventTriggerBackoff)
	require.Equal(t, 250*time.Millisecond, cfg.EventRetry.Base)
	require.Equal(t, 3.0, cfg.EventRetry.Factor)
	require.True(t, cfg.SchemaEnforce)
	require.Equal(t, 9, cfg.TriggerErrorThreshold)
	require.Equal(t, "custom_workflow", cfg.QueueNames[QueueKeyWorkflow])
	require.Equal(t, "custom_event_trigger", cfg.QueueNames[QueueKeyEventTrigger])
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	_, err := Load(envLookup(map[string]string{"EVENT_TRIGGER_ATTEMPTS": "many"}))
	require.Error(t, err)
	_, err = Load(envLookup(map[string]string{"EVENT_RETRY_FACTOR": "fast"}))
	require.Error(t, err)
	_, err = Load(envLookup(map[string]string{"APPHUB_EVENT_SCHEMA_ENFORCE": "yep"}))
	require.Error(t, err)
}

func TestQueueModeSelection(t *testing.T) {
	cfg := &Config{}
	require.Equal(t, ModeDistributed, cfg.QueueMode())

	cfg = &Config{RedisURL: "inline"}
	require.Equal(t, ModeInline, cfg.QueueMode())

	cfg = &Config{RedisURL: "redis://broker:6379", EventsMode: "INLINE"}
	require.Equal(t, ModeInline, cfg.QueueMode())

	cfg = &Config{RedisURL: "redis://broker:6379"}
	require.Equal(t, ModeDistributed, cfg.QueueMode())
}

func TestSourceRateLimitsJSON(t *testing.T) {
	cfg, err := Load(envLookup(map[string]string{
		"EVENT_SOURCE_RATE_LIMITS": `[{"source":"shop","limit":10,"intervalMs":60000,"pauseMs":300000}]`,
	}))
	require.NoError(t, err)
	require.Len(t, cfg.SourceRateLimits, 1)

	rl, ok := cfg.RateLimitFor("shop")
	require.True(t, ok)
	require.Equal(t, 10, rl.Limit)
	require.Equal(t, time.Minute, rl.Interval)
	require.Equal(t, 5*time.Minute, rl.Pause)

	_, ok = cfg.RateLimitFor("ghost")
	require.False(t, ok)
}

func TestSourceRateLimitsYAML(t *testing.T) {
	cfg, err := Load(envLookup(map[string]string{
		"EVENT_SOURCE_RATE_LIMITS": "- source: shop\n  limit: 5\n  intervalMs: 1000\n- source: crm\n  limit: 1\n  intervalMs: 500\n  pauseMs: 2000\n",
	}))
	require.NoError(t, err)
	require.Len(t, cfg.SourceRateLimits, 2)
	require.Equal(t, "crm", cfg.SourceRateLimits[1].Source)
	require.Equal(t, 2*time.Second, cfg.SourceRateLimits[1].Pause)
}

func TestSourceRateLimitsValidation(t *testing.T) {
	_, err := Load(envLookup(map[string]string{
		"EVENT_SOURCE_RATE_LIMITS": `[{"limit":10,"intervalMs":1000}]`,
	}))
	require.Error(t, err, "source required")

	_, err = Load(envLookup(map[string]string{
		"EVENT_SOURCE_RATE_LIMITS": `[{"source":"shop","limit":0,"intervalMs":1000}]`,
	}))
	require.Error(t, err, "limit must be positive")

	_, err = Load(envLookup(map[string]string{
		"EVENT_SOURCE_RATE_LIMITS": `{{bad`,
	}))
	require.Error(t, err)
}
