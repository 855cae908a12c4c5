package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/apperr"
)

func TestRegistryRunsHandler(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", func(_ context.Context, rc RunContext) (*Result, error) {
		return &Result{Status: StatusSucceeded, Result: rc.Parameters["msg"]}, nil
	}))

	res, err := reg.Run(context.Background(), "echo", RunContext{Parameters: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.Equal(t, "hi", res.Result)
}

func TestRegistryUnknownSlug(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Run(context.Background(), "ghost", RunContext{})
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("  ", func(context.Context, RunContext) (*Result, error) { return nil, nil })
	require.True(t, apperr.Is(err, apperr.KindValidation))
	err = reg.Register("echo", nil)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestMissingReportsUnhandledManifestSlugs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("transform", func(context.Context, RunContext) (*Result, error) {
		return nil, nil
	}))

	m := Manifest{Jobs: []JobSpec{{Slug: "extract"}, {Slug: "transform"}, {Slug: "report"}}}
	require.Equal(t, []string{"extract", "report"}, reg.Missing(m.Slugs()))

	require.NoError(t, reg.Register("extract", func(context.Context, RunContext) (*Result, error) {
		return nil, nil
	}))
	require.NoError(t, reg.Register("report", func(context.Context, RunContext) (*Result, error) {
		return nil, nil
	}))
	require.Empty(t, reg.Missing(m.Slugs()))
}

func TestRunDefaultsEmptyResults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("nil-result", func(context.Context, RunContext) (*Result, error) {
		return nil, nil
	}))
	require.NoError(t, reg.Register("no-status", func(context.Context, RunContext) (*Result, error) {
		return &Result{Result: 42}, nil
	}))

	res, err := reg.Run(context.Background(), "nil-result", RunContext{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)

	res, err = reg.Run(context.Background(), "no-status", RunContext{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.Equal(t, 42, res.Result)
}

func TestRunRecoversPanics(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("boom", func(context.Context, RunContext) (*Result, error) {
		panic("handler bug")
	}))

	res, err := reg.Run(context.Background(), "boom", RunContext{})
	require.Nil(t, res)
	require.True(t, apperr.Is(err, apperr.KindFatalInternal))
	require.Contains(t, err.Error(), "handler bug")
}

func TestRunPropagatesHandlerErrors(t *testing.T) {
	reg := NewRegistry()
	handlerErr := errors.New("upstream flaked")
	require.NoError(t, reg.Register("flaky", func(context.Context, RunContext) (*Result, error) {
		return nil, handlerErr
	}))

	_, err := reg.Run(context.Background(), "flaky", RunContext{})
	require.ErrorIs(t, err, handlerErr)
}
