// Package clock provides the time and identifier sources used across the
// orchestration core. Components receive a Clock instead of calling time.Now
// directly so tests can drive time deterministically.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Clock supplies the current wall-clock time.
	Clock interface {
		// Now returns the current time in UTC.
		Now() time.Time
	}

	systemClock struct{}

	// Manual is a test clock whose time only moves when Advance or Set is
	// called. Safe for concurrent use.
	Manual struct {
		mu  sync.Mutex
		now time.Time
	}
)

// System returns a Clock backed by the system wall clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewManual returns a Manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// NewID returns a new random identifier. All entity ids in the core
// (envelopes, runs, step runs, claims) come from here.
func NewID() string { return uuid.NewString() }
