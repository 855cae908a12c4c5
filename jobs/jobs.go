// Package jobs hosts the job runtime collaborator: the registry of named
// job handlers that workflow job steps dispatch to, and the bundle manifest
// loader used to register packaged job sets.
package jobs

import (
	"context"
	"strings"
	"sync"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/telemetry"
)

// Result statuses reported by job handlers.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type (
	// RunContext carries the inputs of one job execution.
	RunContext struct {
		// RunID and StepID identify the workflow step run dispatching the
		// job.
		RunID  string
		StepID string
		// Parameters are the resolved, merged step parameters.
		Parameters map[string]any
		// Logger is scoped to the step run.
		Logger telemetry.Logger
	}

	// Result is the outcome of one job execution. Assets lists produced
	// asset records in any of the accepted shapes.
	Result struct {
		Status       string `json:"status"`
		Result       any    `json:"result,omitempty"`
		ErrorMessage string `json:"errorMessage,omitempty"`
		Assets       []any  `json:"assets,omitempty"`
	}

	// HandlerFunc executes one job. Returning an error marks the attempt
	// failed and retryable per the step's retry policy; a Result with
	// StatusFailed is a terminal job-level failure.
	HandlerFunc func(ctx context.Context, rc RunContext) (*Result, error)

	// Registry maps job slugs to handlers.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string]HandlerFunc
	}
)

// NewRegistry builds an empty job registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job slug. Re-registering replaces the
// previous handler.
func (r *Registry) Register(slug string, h HandlerFunc) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return apperr.New(apperr.KindValidation, "job slug is required")
	}
	if h == nil {
		return apperr.New(apperr.KindValidation, "job handler is required")
	}
	r.mu.Lock()
	r.handlers[slug] = h
	r.mu.Unlock()
	return nil
}

// Run dispatches to the handler for the slug. A handler that panics is
// reported as a failed result rather than crashing the worker.
func (r *Registry) Run(ctx context.Context, slug string, rc RunContext) (res *Result, err error) {
	r.mu.RLock()
	h, ok := r.handlers[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "job %q is not registered", slug)
	}
	if rc.Logger == nil {
		rc.Logger = telemetry.NoopLogger{}
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = apperr.New(apperr.KindFatalInternal, "job %q panicked: %v", slug, rec)
		}
	}()
	res, err = h(ctx, rc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{Status: StatusSucceeded}
	}
	if res.Status == "" {
		res.Status = StatusSucceeded
	}
	return res, nil
}

// Slugs returns the registered job slugs.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	return out
}

// Missing returns the given slugs that have no registered handler, in order.
func (r *Registry) Missing(slugs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, s := range slugs {
		if _, ok := r.handlers[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
