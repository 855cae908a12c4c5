package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/store/memory"
)

func newService(t *testing.T, clk clock.Clock, limits map[string]events.RateLimit) *Service {
	t.Helper()
	var lookup func(string) (events.RateLimit, bool)
	if limits != nil {
		lookup = func(source string) (events.RateLimit, bool) {
			rl, ok := limits[source]
			return rl, ok
		}
	}
	s, err := NewService(Options{
		Store:          memory.New(memory.WithClock(clk)),
		RateLimit:      lookup,
		ErrorThreshold: 2,
		ErrorWindow:    time.Minute,
		TriggerPause:   5 * time.Minute,
		Clock:          clk,
	})
	require.NoError(t, err)
	return s
}

func TestPauseSourceBlocksAdmission(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, nil)
	ctx := context.Background()

	until := clk.Now().Add(10 * time.Minute)
	require.NoError(t, s.PauseSource(ctx, "github", until, "maintenance", true))

	d, err := s.Admit(ctx, "github")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, until, d.ResumeAt)
	require.Equal(t, "maintenance", d.Reason)
	require.False(t, d.Throttled)

	require.NoError(t, s.ResumeSource(ctx, "github"))
	d, err = s.Admit(ctx, "github")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestPauseSourceValidation(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, nil)
	ctx := context.Background()

	err := s.PauseSource(ctx, "", clk.Now().Add(time.Minute), "", true)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	err = s.PauseSource(ctx, "github", clk.Now().Add(-time.Minute), "", true)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestExpiredPauseClearsLazily(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, nil)
	ctx := context.Background()

	require.NoError(t, s.PauseSource(ctx, "github", clk.Now().Add(time.Minute), "", false))
	clk.Advance(2 * time.Minute)

	p, err := s.SourcePause(ctx, "github")
	require.NoError(t, err)
	require.Nil(t, p)

	d, err := s.Admit(ctx, "github")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAdmitAutoPausesOnRateLimit(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, map[string]events.RateLimit{
		"github": {Source: "github", Limit: 2, Interval: time.Minute, Pause: 5 * time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := s.Admit(ctx, "github")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := s.Admit(ctx, "github")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.True(t, d.Throttled)
	require.Equal(t, clk.Now().Add(5*time.Minute), d.ResumeAt)

	// The auto-pause now holds even for a fresh window.
	clk.Advance(2 * time.Minute)
	d, err = s.Admit(ctx, "github")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clk.Advance(5 * time.Minute)
	d, err = s.Admit(ctx, "github")
	require.NoError(t, err)
	require.True(t, d.Allowed, "window counter restarted after the pause expired")
}

func TestAdmitWindowRollsAcrossIntervalBoundaries(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 50, 0, time.UTC))
	s := newService(t, clk, map[string]events.RateLimit{
		"github": {Source: "github", Limit: 1, Interval: time.Minute, Pause: 5 * time.Minute},
	})
	ctx := context.Background()

	d, err := s.Admit(ctx, "github")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// 20s later the wall clock crossed a minute boundary, but the first
	// arrival is still inside the rolling window.
	clk.Advance(20 * time.Second)
	d, err = s.Admit(ctx, "github")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.True(t, d.Throttled)
}

func TestAdmitUnlimitedSource(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, map[string]events.RateLimit{
		"github": {Source: "github", Limit: 1, Interval: time.Minute, Pause: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := s.Admit(ctx, "stripe")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestTriggerFailureThresholdPauses(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, nil)
	ctx := context.Background()

	paused, err := s.RecordTriggerFailure(ctx, "trig-1")
	require.NoError(t, err)
	require.False(t, paused)

	paused, err = s.RecordTriggerFailure(ctx, "trig-1")
	require.NoError(t, err)
	require.True(t, paused)

	p, err := s.TriggerPause(ctx, "trig-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, clk.Now().Add(5*time.Minute), p.Until)

	require.NoError(t, s.ResumeTrigger(ctx, "trig-1"))
	p, err = s.TriggerPause(ctx, "trig-1")
	require.NoError(t, err)
	require.Nil(t, p)

	// The failure window restarted with the resume.
	paused, err = s.RecordTriggerFailure(ctx, "trig-1")
	require.NoError(t, err)
	require.False(t, paused)
}

func TestTriggerFailuresOutsideWindowDrop(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, nil)
	ctx := context.Background()

	_, err := s.RecordTriggerFailure(ctx, "trig-1")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	paused, err := s.RecordTriggerFailure(ctx, "trig-1")
	require.NoError(t, err)
	require.False(t, paused, "the earlier failure fell out of the window")
}

func TestTriggerSuccessClearsWindow(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := newService(t, clk, nil)
	ctx := context.Background()

	_, err := s.RecordTriggerFailure(ctx, "trig-1")
	require.NoError(t, err)
	require.NoError(t, s.RecordTriggerSuccess(ctx, "trig-1"))

	paused, err := s.RecordTriggerFailure(ctx, "trig-1")
	require.NoError(t, err)
	require.False(t, paused)
}
