// Package events defines the event model shared by the ingress pipeline, the
// schema registry, the scheduler state, and the trigger evaluator: immutable
// envelopes, versioned schemas, triggers, pause records, and scheduled
// retries. The package is a leaf so stores and services can both import it.
package events

import (
	"encoding/json"
	"time"

	"github.com/apphub/orchestra/workflow"
)

// SchemaStatus is the lifecycle state of a registered event schema.
type SchemaStatus string

const (
	SchemaStatusDraft      SchemaStatus = "draft"
	SchemaStatusActive     SchemaStatus = "active"
	SchemaStatusDeprecated SchemaStatus = "deprecated"
)

type (
	// Envelope is the immutable record of an event as seen by the core.
	// Payload holds the canonical JSON form; SchemaHash is the SHA-256 hex of
	// that canonical payload when a schema applies.
	Envelope struct {
		ID            string          `json:"id"`
		Type          string          `json:"type"`
		Source        string          `json:"source"`
		OccurredAt    time.Time       `json:"occurredAt"`
		Payload       json.RawMessage `json:"payload"`
		CorrelationID string          `json:"correlationId,omitempty"`
		TTL           time.Duration   `json:"ttl,omitempty"`
		Metadata      map[string]any  `json:"metadata,omitempty"`
		SchemaVersion int             `json:"schemaVersion,omitempty"`
		SchemaHash    string          `json:"schemaHash,omitempty"`
		ReceivedAt    time.Time       `json:"receivedAt,omitempty"`
	}

	// Schema is a registered event payload schema. (EventType, Version) is
	// unique; identical re-registrations are idempotent and hash conflicts
	// reject.
	Schema struct {
		EventType  string          `json:"eventType"`
		Version    int             `json:"version"`
		Status     SchemaStatus    `json:"status"`
		Schema     json.RawMessage `json:"schema"`
		SchemaHash string          `json:"schemaHash"`
		Metadata   map[string]any  `json:"metadata,omitempty"`
		CreatedAt  time.Time       `json:"createdAt"`
		UpdatedAt  time.Time       `json:"updatedAt"`
	}

	// Trigger binds an event type plus filter to a workflow launch.
	Trigger struct {
		ID                   string             `json:"id"`
		WorkflowDefinitionID string             `json:"workflowDefinitionId"`
		EventType            string             `json:"eventType"`
		Filter               *workflow.Filter   `json:"filter,omitempty"`
		Throttle             *workflow.Throttle `json:"throttle,omitempty"`
		ParameterTemplate    map[string]any     `json:"parameterTemplate,omitempty"`
		RunKeyTemplate       string             `json:"runKeyTemplate,omitempty"`
		CreatedAt            time.Time          `json:"createdAt"`
	}

	// SourcePause pauses ingress for a source until a deadline. Manual
	// pauses are operator-initiated; automatic ones come from rate limiting.
	SourcePause struct {
		Source  string         `json:"source"`
		Until   time.Time      `json:"until"`
		Reason  string         `json:"reason,omitempty"`
		Manual  bool           `json:"manual,omitempty"`
		Details map[string]any `json:"details,omitempty"`
	}

	// TriggerPause pauses a trigger after repeated failures.
	TriggerPause struct {
		TriggerID string    `json:"triggerId"`
		Until     time.Time `json:"until"`
		Reason    string    `json:"reason,omitempty"`
	}

	// IngressRetry is a scheduled re-evaluation of a persisted envelope
	// whose source was paused or rate-limited at ingest time.
	IngressRetry struct {
		EventID       string    `json:"eventId"`
		Source        string    `json:"source"`
		Attempts      int       `json:"attempts"`
		NextAttemptAt time.Time `json:"nextAttemptAt"`
		CreatedAt     time.Time `json:"createdAt"`
		UpdatedAt     time.Time `json:"updatedAt"`
	}

	// RateLimit configures the rolling-window limit for a source. Exceeding
	// Limit events within Interval auto-pauses the source for Pause. Interval
	// and Pause travel as integer milliseconds on the wire (intervalMs,
	// pauseMs); the marshal methods do the conversion.
	RateLimit struct {
		Source   string        `json:"source"`
		Limit    int           `json:"limit"`
		Interval time.Duration `json:"-"`
		Pause    time.Duration `json:"-"`
	}
)

// MarshalJSON emits Interval and Pause as the intervalMs and pauseMs wire
// fields.
func (r RateLimit) MarshalJSON() ([]byte, error) {
	type alias RateLimit
	return json.Marshal(struct {
		alias
		IntervalMS int64 `json:"intervalMs"`
		PauseMS    int64 `json:"pauseMs"`
	}{
		alias:      alias(r),
		IntervalMS: r.Interval.Milliseconds(),
		PauseMS:    r.Pause.Milliseconds(),
	})
}

// UnmarshalJSON reads intervalMs and pauseMs into Interval and Pause.
func (r *RateLimit) UnmarshalJSON(data []byte) error {
	type alias RateLimit
	aux := struct {
		*alias
		IntervalMS *int64 `json:"intervalMs"`
		PauseMS    *int64 `json:"pauseMs"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.IntervalMS != nil {
		r.Interval = time.Duration(*aux.IntervalMS) * time.Millisecond
	}
	if aux.PauseMS != nil {
		r.Pause = time.Duration(*aux.PauseMS) * time.Millisecond
	}
	return nil
}
