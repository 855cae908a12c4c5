// Package config loads the environment-driven options of the orchestration
// core. All knobs have defaults so a zero-environment process runs inline
// with conservative retry settings. Compound values such as
// EVENT_SOURCE_RATE_LIMITS accept JSON or YAML (JSON being valid YAML, both
// parse through the same decoder).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/retry"
)

// Mode selects how queues execute jobs.
type Mode string

const (
	// ModeInline executes job bodies synchronously in the caller's context.
	ModeInline Mode = "inline"
	// ModeDistributed serializes jobs onto the Redis-backed broker.
	ModeDistributed Mode = "distributed"
)

// Default values for the retry and scheduler knobs.
const (
	DefaultEventTriggerAttempts  = 5
	DefaultEventTriggerBackoff   = 5 * time.Second
	DefaultIngestJobAttempts     = 3
	DefaultIngestJobBackoff      = 2 * time.Second
	DefaultEventRetryBase        = time.Second
	DefaultEventRetryFactor      = 2.0
	DefaultEventRetryMax         = 5 * time.Minute
	DefaultEventRetryJitter      = 0.2
	DefaultTriggerErrorThreshold = 5
	DefaultTriggerErrorWindow    = time.Minute
	DefaultTriggerPause          = 5 * time.Minute
	DefaultMaterializerBase      = 5 * time.Second
	DefaultMaterializerMax       = 10 * time.Minute
	DefaultMaterializerRefresh   = 5 * time.Minute
)

type (
	// Config is the resolved environment configuration.
	Config struct {
		// RedisURL is the broker address. The literal value "inline" forces
		// inline mode.
		RedisURL string
		// EventsMode overrides the queue mode ("inline" forces inline).
		EventsMode string

		// MongoURL selects the MongoDB store; empty keeps state in memory.
		MongoURL string
		// MongoDatabase is the database name. Defaults to "apphub".
		MongoDatabase string

		// EventTriggerAttempts bounds trigger evaluation retries.
		EventTriggerAttempts int
		// EventTriggerBackoff is the base backoff between trigger retries.
		EventTriggerBackoff time.Duration

		// IngestJobAttempts bounds repository ingest job retries.
		IngestJobAttempts int
		// IngestJobBackoff is the base backoff between ingest retries.
		IngestJobBackoff time.Duration

		// EventRetry drives ingress retry scheduling.
		EventRetry retry.Policy

		// SourceRateLimits are the per-source rolling-window limits.
		SourceRateLimits []events.RateLimit

		// TriggerErrorThreshold pauses a trigger after this many failures
		// inside TriggerErrorWindow.
		TriggerErrorThreshold int
		// TriggerErrorWindow is the rolling failure window.
		TriggerErrorWindow time.Duration
		// TriggerPause is how long a failing trigger stays paused.
		TriggerPause time.Duration

		// MaterializerBaseBackoff and MaterializerMaxBackoff bound the
		// exponential backoff applied to failing auto-materialized workflows.
		MaterializerBaseBackoff time.Duration
		MaterializerMaxBackoff  time.Duration
		// MaterializerRefreshInterval drives periodic graph refreshes.
		MaterializerRefreshInterval time.Duration

		// SchemaEnforce validates envelopes against registered schemas and
		// rejects invalid payloads at ingest.
		SchemaEnforce bool

		// QueueNames maps stable queue keys to broker queue names.
		QueueNames map[string]string
	}

	// LookupFunc reads one environment variable; os.LookupEnv in production.
	LookupFunc func(string) (string, bool)
)

// Stable queue keys used across the core.
const (
	QueueKeyIngest       = "ingest"
	QueueKeyBuild        = "build"
	QueueKeyLaunch       = "launch"
	QueueKeyWorkflow     = "workflow"
	QueueKeyEvent        = "event"
	QueueKeyEventTrigger = "eventTrigger"
)

func defaultQueueNames() map[string]string {
	return map[string]string{
		QueueKeyIngest:       "apphub_queue_ingest",
		QueueKeyBuild:        "apphub_queue_build",
		QueueKeyLaunch:       "apphub_queue_launch",
		QueueKeyWorkflow:     "apphub_queue_workflow",
		QueueKeyEvent:        "apphub_queue_event",
		QueueKeyEventTrigger: "apphub_queue_event_trigger",
	}
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load resolves the configuration through the given lookup function.
func Load(lookup LookupFunc) (*Config, error) {
	cfg := &Config{
		RedisURL:                    getString(lookup, "REDIS_URL", ""),
		EventsMode:                  getString(lookup, "APPHUB_EVENTS_MODE", ""),
		MongoURL:                    getString(lookup, "MONGO_URL", ""),
		MongoDatabase:               getString(lookup, "MONGO_DATABASE", "apphub"),
		EventTriggerAttempts:        0,
		QueueNames:                  defaultQueueNames(),
		TriggerErrorThreshold:       DefaultTriggerErrorThreshold,
		TriggerErrorWindow:          DefaultTriggerErrorWindow,
		TriggerPause:                DefaultTriggerPause,
		MaterializerBaseBackoff:     DefaultMaterializerBase,
		MaterializerMaxBackoff:      DefaultMaterializerMax,
		MaterializerRefreshInterval: DefaultMaterializerRefresh,
	}
	var err error
	if cfg.EventTriggerAttempts, err = getInt(lookup, "EVENT_TRIGGER_ATTEMPTS", DefaultEventTriggerAttempts); err != nil {
		return nil, err
	}
	if cfg.EventTriggerBackoff, err = getMillis(lookup, "EVENT_TRIGGER_BACKOFF_MS", DefaultEventTriggerBackoff); err != nil {
		return nil, err
	}
	if cfg.IngestJobAttempts, err = getInt(lookup, "INGEST_JOB_ATTEMPTS", DefaultIngestJobAttempts); err != nil {
		return nil, err
	}
	if cfg.IngestJobBackoff, err = getMillis(lookup, "INGEST_JOB_BACKOFF_MS", DefaultIngestJobBackoff); err != nil {
		return nil, err
	}
	if cfg.EventRetry.Base, err = getMillis(lookup, "EVENT_RETRY_BASE_MS", DefaultEventRetryBase); err != nil {
		return nil, err
	}
	if cfg.EventRetry.Factor, err = getFloat(lookup, "EVENT_RETRY_FACTOR", DefaultEventRetryFactor); err != nil {
		return nil, err
	}
	if cfg.EventRetry.Max, err = getMillis(lookup, "EVENT_RETRY_MAX_MS", DefaultEventRetryMax); err != nil {
		return nil, err
	}
	if cfg.EventRetry.JitterRatio, err = getFloat(lookup, "EVENT_RETRY_JITTER_RATIO", DefaultEventRetryJitter); err != nil {
		return nil, err
	}
	if cfg.TriggerErrorThreshold, err = getInt(lookup, "EVENT_TRIGGER_ERROR_THRESHOLD", DefaultTriggerErrorThreshold); err != nil {
		return nil, err
	}
	if cfg.TriggerErrorWindow, err = getMillis(lookup, "EVENT_TRIGGER_WINDOW_MS", DefaultTriggerErrorWindow); err != nil {
		return nil, err
	}
	if cfg.TriggerPause, err = getMillis(lookup, "EVENT_TRIGGER_PAUSE_MS", DefaultTriggerPause); err != nil {
		return nil, err
	}
	if cfg.MaterializerBaseBackoff, err = getMillis(lookup, "ASSET_MATERIALIZER_BASE_BACKOFF_MS", DefaultMaterializerBase); err != nil {
		return nil, err
	}
	if cfg.MaterializerMaxBackoff, err = getMillis(lookup, "ASSET_MATERIALIZER_MAX_BACKOFF_MS", DefaultMaterializerMax); err != nil {
		return nil, err
	}
	if cfg.MaterializerRefreshInterval, err = getMillis(lookup, "ASSET_MATERIALIZER_REFRESH_INTERVAL_MS", DefaultMaterializerRefresh); err != nil {
		return nil, err
	}
	if cfg.SchemaEnforce, err = getBool(lookup, "APPHUB_EVENT_SCHEMA_ENFORCE", false); err != nil {
		return nil, err
	}
	if cfg.SourceRateLimits, err = parseRateLimits(getString(lookup, "EVENT_SOURCE_RATE_LIMITS", "")); err != nil {
		return nil, err
	}
	for key := range cfg.QueueNames {
		env := "APPHUB_QUEUE_" + strings.ToUpper(key)
		if v, ok := lookup(env); ok && v != "" {
			cfg.QueueNames[key] = v
		}
	}
	return cfg, nil
}

// QueueMode returns the queue mode implied by the configuration. The literal
// "inline" in REDIS_URL or APPHUB_EVENTS_MODE selects inline; anything else
// selects distributed.
func (c *Config) QueueMode() Mode {
	if strings.EqualFold(c.RedisURL, "inline") || strings.EqualFold(c.EventsMode, "inline") {
		return ModeInline
	}
	return ModeDistributed
}

// RateLimitFor returns the configured rate limit for a source, if any.
func (c *Config) RateLimitFor(source string) (events.RateLimit, bool) {
	for _, rl := range c.SourceRateLimits {
		if rl.Source == source {
			return rl, true
		}
	}
	return events.RateLimit{}, false
}

// rateLimitDoc mirrors the wire shape of one EVENT_SOURCE_RATE_LIMITS entry.
type rateLimitDoc struct {
	Source     string `yaml:"source" json:"source"`
	Limit      int    `yaml:"limit" json:"limit"`
	IntervalMS int64  `yaml:"intervalMs" json:"intervalMs"`
	PauseMS    int64  `yaml:"pauseMs" json:"pauseMs"`
}

func parseRateLimits(raw string) ([]events.RateLimit, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var docs []rateLimitDoc
	if err := yaml.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("parse EVENT_SOURCE_RATE_LIMITS: %w", err)
	}
	out := make([]events.RateLimit, 0, len(docs))
	for _, d := range docs {
		if d.Source == "" || d.Limit <= 0 || d.IntervalMS <= 0 {
			return nil, fmt.Errorf("invalid rate limit entry for source %q", d.Source)
		}
		out = append(out, events.RateLimit{
			Source:   d.Source,
			Limit:    d.Limit,
			Interval: time.Duration(d.IntervalMS) * time.Millisecond,
			Pause:    time.Duration(d.PauseMS) * time.Millisecond,
		})
	}
	return out, nil
}

func getString(lookup LookupFunc, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(lookup LookupFunc, key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getFloat(lookup LookupFunc, key string, def float64) (float64, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func getMillis(lookup LookupFunc, key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getBool(lookup LookupFunc, key string, def bool) (bool, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
