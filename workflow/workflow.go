// Package workflow defines the workflow model: versioned definitions, the
// step union (job, service call, fan-out), asset declarations, and runs. The
// package holds types, validation, and DAG planning only; execution lives in
// workflow/orchestrator so this package stays a leaf that stores and services
// can both import.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/apphub/orchestra/retry"
)

// Limits from the workflow definition wire contract.
const (
	MaxSteps             = 100
	MaxSlugLength        = 100
	MaxFanOutItems       = 10000
	MaxFanOutConcurrency = 1000
)

// StepType discriminates the step union.
type StepType string

const (
	// StepTypeJob dispatches to a registered job handler.
	StepTypeJob StepType = "job"
	// StepTypeService issues an HTTP request to a registered service.
	StepTypeService StepType = "service"
	// StepTypeFanOut instantiates a child step per collection item.
	StepTypeFanOut StepType = "fanout"
)

type (
	// Definition is an immutable, versioned workflow definition. Updates
	// create a new version; definitions are never mutated in place.
	Definition struct {
		ID                string          `json:"id"`
		Slug              string          `json:"slug"`
		Name              string          `json:"name"`
		Version           int             `json:"version"`
		Steps             []Step          `json:"steps"`
		Triggers          []TriggerSpec   `json:"triggers,omitempty"`
		DefaultParameters map[string]any  `json:"defaultParameters,omitempty"`
		ParametersSchema  json.RawMessage `json:"parametersSchema,omitempty"`
		OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
		Metadata          map[string]any  `json:"metadata,omitempty"`
		CreatedAt         time.Time       `json:"createdAt"`
	}

	// Step is the polymorphic workflow step. Type selects which variant
	// fields apply; Validate enforces that only the matching fields are set.
	Step struct {
		Type      StepType           `json:"type"`
		ID        string             `json:"id"`
		Name      string             `json:"name,omitempty"`
		DependsOn []string           `json:"dependsOn,omitempty"`
		Retry     *retry.StepPolicy  `json:"retryPolicy,omitempty"`
		Timeout   time.Duration      `json:"-"`
		Produces  []AssetDeclaration `json:"produces,omitempty"`
		Consumes  []AssetDeclaration `json:"consumes,omitempty"`

		// Job step fields.
		JobSlug       string         `json:"jobSlug,omitempty"`
		Parameters    map[string]any `json:"parameters,omitempty"`
		StoreResultAs string         `json:"storeResultAs,omitempty"`

		// Service step fields.
		ServiceSlug     string       `json:"serviceSlug,omitempty"`
		Request         *RequestSpec `json:"request,omitempty"`
		RequireHealthy  bool         `json:"requireHealthy,omitempty"`
		AllowDegraded   bool         `json:"allowDegraded,omitempty"`
		CaptureResponse bool         `json:"captureResponse,omitempty"`
		StoreResponseAs string       `json:"storeResponseAs,omitempty"`

		// Fan-out step fields. Collection is a template expression or a
		// literal array; Template is the child step instantiated per item.
		Collection     any    `json:"collection,omitempty"`
		Template       *Step  `json:"template,omitempty"`
		MaxItems       int    `json:"maxItems,omitempty"`
		MaxConcurrency int    `json:"maxConcurrency,omitempty"`
		StoreResultsAs string `json:"storeResultsAs,omitempty"`
	}

	// RequestSpec describes the HTTP request a service step issues. String
	// values may contain template placeholders resolved against the run
	// scope; header values may reference secrets.
	RequestSpec struct {
		Method  string            `json:"method"`
		Path    string            `json:"path"`
		Headers map[string]string `json:"headers,omitempty"`
		Query   map[string]string `json:"query,omitempty"`
		Body    any               `json:"body,omitempty"`
	}

	// TriggerSpec declares an event trigger inline on a workflow definition.
	// Submitting a definition materializes these into trigger records.
	TriggerSpec struct {
		EventType         string         `json:"eventType"`
		Filter            *Filter        `json:"filter,omitempty"`
		Throttle          *Throttle      `json:"throttle,omitempty"`
		ParameterTemplate map[string]any `json:"parameterTemplate,omitempty"`
		RunKeyTemplate    string         `json:"runKeyTemplate,omitempty"`
	}

	// Filter is a pure predicate over an event scope
	// {source, payload, metadata, correlationId, occurredAt}. All conditions
	// must hold.
	Filter struct {
		All []Condition `json:"all,omitempty"`
	}

	// Condition compares the value at a dotted path in the event scope.
	Condition struct {
		Path     string `json:"path"`
		Operator string `json:"operator"` // equals, notEquals, exists, in, contains
		Value    any    `json:"value,omitempty"`
		Values   []any  `json:"values,omitempty"`
	}

	// Throttle bounds trigger launch rate and concurrency.
	Throttle struct {
		Window         time.Duration `json:"-"`
		Count          int           `json:"count,omitempty"`
		MaxConcurrency int           `json:"maxConcurrency,omitempty"`
	}

	// AssetDeclaration declares an asset a step produces or consumes.
	// Canonical asset ids are lower-cased and trimmed for all lookups.
	AssetDeclaration struct {
		AssetID         string           `json:"assetId"`
		Schema          map[string]any   `json:"schema,omitempty"`
		Freshness       *Freshness       `json:"freshness,omitempty"`
		Partitioning    *Partitioning    `json:"partitioning,omitempty"`
		AutoMaterialize *AutoMaterialize `json:"autoMaterialize,omitempty"`
	}

	// Freshness bounds how long a materialization stays fresh.
	Freshness struct {
		MaxAge  time.Duration `json:"-"`
		TTL     time.Duration `json:"-"`
		Cadence time.Duration `json:"-"`
	}

	// Partitioning declares how an asset is sliced. For time-window
	// partitions Granularity names the window size (minute, hour, day, week,
	// month) so partition keys can derive window bounds.
	Partitioning struct {
		Type        string   `json:"type"` // timeWindow, static, dynamic
		Granularity string   `json:"granularity,omitempty"`
		Format      string   `json:"format,omitempty"`
		Keys        []string `json:"keys,omitempty"`
	}

	// AutoMaterialize configures downstream re-runs for an asset.
	AutoMaterialize struct {
		OnUpstreamUpdate  bool           `json:"onUpstreamUpdate,omitempty"`
		Priority          int            `json:"priority,omitempty"`
		ParameterDefaults map[string]any `json:"parameterDefaults,omitempty"`
	}
)
