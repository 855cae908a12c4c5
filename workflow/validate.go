package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/apphub/orchestra/apperr"
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-_]*$`)

// NormalizeAssetID returns the canonical form of an asset id used for all
// lookups: trimmed and lower-cased.
func NormalizeAssetID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Validate checks the definition against the wire contract: slug shape, step
// count, unique step ids, forward-only dependencies, acyclicity, per-variant
// field requirements, fan-out bounds, and retry policy bounds. Violations
// return a validation-kind error; no state is changed.
func (d *Definition) Validate() error {
	if d.Slug == "" || len(d.Slug) > MaxSlugLength || !slugPattern.MatchString(d.Slug) {
		return apperr.New(apperr.KindValidation, "invalid workflow slug %q", d.Slug)
	}
	if d.Version < 1 {
		return apperr.New(apperr.KindValidation, "workflow version must be >= 1, got %d", d.Version)
	}
	if len(d.Steps) == 0 {
		return apperr.New(apperr.KindValidation, "workflow %q has no steps", d.Slug)
	}
	if len(d.Steps) > MaxSteps {
		return apperr.New(apperr.KindValidation, "workflow %q has %d steps, max is %d", d.Slug, len(d.Steps), MaxSteps)
	}

	seen := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return apperr.New(apperr.KindValidation, "step %d of workflow %q has no id", i, d.Slug)
		}
		if _, dup := seen[step.ID]; dup {
			return apperr.New(apperr.KindValidation, "duplicate step id %q in workflow %q", step.ID, d.Slug)
		}
		seen[step.ID] = i
	}
	for i, step := range d.Steps {
		for _, dep := range step.DependsOn {
			j, ok := seen[dep]
			if !ok {
				return apperr.New(apperr.KindValidation, "step %q depends on unknown step %q", step.ID, dep)
			}
			// dependsOn must reference a prior step; combined with unique
			// ids this also rules out cycles.
			if j >= i {
				return apperr.New(apperr.KindValidation, "step %q depends on %q which is not declared before it", step.ID, dep)
			}
		}
		if err := step.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Step) validate() error {
	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "step %q", s.ID)
		}
	}
	if s.Timeout < 0 {
		return apperr.New(apperr.KindValidation, "step %q has negative timeout", s.ID)
	}
	switch s.Type {
	case StepTypeJob:
		if s.JobSlug == "" {
			return apperr.New(apperr.KindValidation, "job step %q missing jobSlug", s.ID)
		}
	case StepTypeService:
		if s.ServiceSlug == "" {
			return apperr.New(apperr.KindValidation, "service step %q missing serviceSlug", s.ID)
		}
		if s.Request == nil || s.Request.Method == "" || s.Request.Path == "" {
			return apperr.New(apperr.KindValidation, "service step %q missing request method/path", s.ID)
		}
	case StepTypeFanOut:
		if s.Collection == nil {
			return apperr.New(apperr.KindValidation, "fan-out step %q missing collection", s.ID)
		}
		if s.Template == nil {
			return apperr.New(apperr.KindValidation, "fan-out step %q missing template", s.ID)
		}
		if s.Template.Type == StepTypeFanOut {
			return apperr.New(apperr.KindValidation, "fan-out step %q cannot nest another fan-out", s.ID)
		}
		if err := s.Template.validate(); err != nil {
			return err
		}
		if s.MaxItems < 0 || s.MaxItems > MaxFanOutItems {
			return apperr.New(apperr.KindValidation, "fan-out step %q maxItems out of range", s.ID)
		}
		if s.MaxConcurrency < 0 || s.MaxConcurrency > MaxFanOutConcurrency {
			return apperr.New(apperr.KindValidation, "fan-out step %q maxConcurrency out of range", s.ID)
		}
	default:
		return apperr.New(apperr.KindValidation, "step %q has unknown type %q", s.ID, s.Type)
	}
	for _, decl := range s.Produces {
		if NormalizeAssetID(decl.AssetID) == "" {
			return apperr.New(apperr.KindValidation, "step %q declares an asset with an empty id", s.ID)
		}
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// String implements fmt.Stringer for log output.
func (d *Definition) String() string {
	return fmt.Sprintf("%s@v%d", d.Slug, d.Version)
}
