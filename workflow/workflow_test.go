package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/retry"
)

func jobStep(id string, deps ...string) Step {
	return Step{Type: StepTypeJob, ID: id, JobSlug: "job-" + id, DependsOn: deps}
}

func validDefinition(steps ...Step) *Definition {
	return &Definition{ID: "def-1", Slug: "nightly-report", Name: "Nightly report", Version: 1, Steps: steps}
}

func TestValidateAcceptsLinearChain(t *testing.T) {
	def := validDefinition(jobStep("a"), jobStep("b", "a"), jobStep("c", "b"))
	require.NoError(t, def.Validate())
}

func TestValidateRejectsBadSlug(t *testing.T) {
	def := validDefinition(jobStep("a"))
	def.Slug = "has spaces"
	err := def.Validate()
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestValidateRejectsEmptyAndOversizedStepLists(t *testing.T) {
	def := validDefinition()
	require.Error(t, def.Validate())

	steps := make([]Step, MaxSteps+1)
	for i := range steps {
		steps[i] = jobStep(fmt.Sprintf("s%d", i))
	}
	def = validDefinition(steps...)
	require.Error(t, def.Validate())
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	def := validDefinition(jobStep("a"), jobStep("a"))
	require.Error(t, def.Validate())
}

func TestValidateRejectsUnknownAndForwardDependencies(t *testing.T) {
	def := validDefinition(jobStep("a", "ghost"))
	require.Error(t, def.Validate())

	// dependsOn must reference a step declared earlier.
	def = validDefinition(jobStep("a", "b"), jobStep("b"))
	require.Error(t, def.Validate())
}

func TestValidateVariantFields(t *testing.T) {
	def := validDefinition(Step{Type: StepTypeJob, ID: "a"})
	require.Error(t, def.Validate(), "job step without jobSlug")

	def = validDefinition(Step{Type: StepTypeService, ID: "a", ServiceSlug: "billing"})
	require.Error(t, def.Validate(), "service step without request")

	def = validDefinition(Step{
		Type:        StepTypeService,
		ID:          "a",
		ServiceSlug: "billing",
		Request:     &RequestSpec{Method: "POST", Path: "/invoices"},
	})
	require.NoError(t, def.Validate())

	def = validDefinition(Step{Type: "shell", ID: "a"})
	require.Error(t, def.Validate(), "unknown step type")
}

func TestValidateFanOutBounds(t *testing.T) {
	tmpl := jobStep("child")
	def := validDefinition(Step{Type: StepTypeFanOut, ID: "fan", Collection: []any{1}, Template: &tmpl})
	require.NoError(t, def.Validate())

	def = validDefinition(Step{Type: StepTypeFanOut, ID: "fan", Template: &tmpl})
	require.Error(t, def.Validate(), "missing collection")

	def = validDefinition(Step{Type: StepTypeFanOut, ID: "fan", Collection: []any{1}})
	require.Error(t, def.Validate(), "missing template")

	nested := Step{Type: StepTypeFanOut, ID: "inner", Collection: []any{1}, Template: &tmpl}
	def = validDefinition(Step{Type: StepTypeFanOut, ID: "fan", Collection: []any{1}, Template: &nested})
	require.Error(t, def.Validate(), "nested fan-out")

	def = validDefinition(Step{Type: StepTypeFanOut, ID: "fan", Collection: []any{1}, Template: &tmpl, MaxItems: MaxFanOutItems + 1})
	require.Error(t, def.Validate())
}

func TestValidateRetryPolicyBounds(t *testing.T) {
	step := jobStep("a")
	step.Retry = &retry.StepPolicy{MaxAttempts: retry.MaxStepAttempts + 1, Strategy: retry.StrategyFixed}
	def := validDefinition(step)
	require.Error(t, def.Validate())
}

func TestValidateRejectsEmptyAssetID(t *testing.T) {
	step := jobStep("a")
	step.Produces = []AssetDeclaration{{AssetID: "   "}}
	def := validDefinition(step)
	require.Error(t, def.Validate())
}

func TestPlanTopologicalStableOrder(t *testing.T) {
	def := validDefinition(
		jobStep("fetch"),
		jobStep("enrich"),
		jobStep("join", "fetch", "enrich"),
		jobStep("publish", "join"),
	)
	order, err := def.Plan()
	require.NoError(t, err)
	require.Equal(t, []string{"fetch", "enrich", "join", "publish"}, order)
}

func TestPlanDetectsCycle(t *testing.T) {
	// Assembled directly so Validate's forward-only rule does not get in
	// the way; Plan must still refuse the cycle.
	def := validDefinition(jobStep("a", "b"), jobStep("b", "a"))
	_, err := def.Plan()
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusSucceeded.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCanceled.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusRunning.Terminal())
}

func TestNormalizeAssetID(t *testing.T) {
	require.Equal(t, "orders", NormalizeAssetID("  Orders "))
}

func TestDefinitionStepLookupAndString(t *testing.T) {
	def := validDefinition(jobStep("a"), jobStep("b", "a"))
	require.NotNil(t, def.Step("b"))
	require.Nil(t, def.Step("zz"))
	require.Equal(t, "nightly-report@v1", def.String())
}
