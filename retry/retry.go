// Package retry computes backoff delays and deterministic job identifiers for
// scheduled retries. Two policy shapes live here: Policy drives infrastructure
// retries (event ingress, trigger evaluation) and StepPolicy drives per-step
// workflow retries with bounded attempts and selectable jitter.
package retry

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Policy describes exponential backoff for infrastructure retries. Given
// attempt n >= 1 the raw delay is min(Max, Base*Factor^(n-1)); a uniformly
// distributed jitter of +/- JitterRatio*delay is then applied.
type Policy struct {
	// Base is the first-attempt delay.
	Base time.Duration
	// Factor is the exponential growth factor. Values below 1 are treated as 1.
	Factor float64
	// Max caps the raw delay before jitter.
	Max time.Duration
	// JitterRatio is the fraction of the delay used as the jitter amplitude,
	// in [0, 1].
	JitterRatio float64
	// Rand supplies uniform values in [0, 1) for jitter. Defaults to the
	// global source; tests inject a deterministic function.
	Rand func() float64
}

// Delay returns the jittered delay for the given attempt (1-based).
// Attempts below 1 are clamped to 1.
func (p Policy) Delay(attempt int) time.Duration {
	raw := p.raw(attempt)
	if p.JitterRatio <= 0 {
		return raw
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	// Uniform in [-jitter, +jitter].
	amp := p.JitterRatio * float64(raw)
	offset := (r()*2 - 1) * amp
	d := time.Duration(float64(raw) + offset)
	if d < 0 {
		return 0
	}
	return d
}

// NextAttempt returns the absolute time of the next attempt relative to now.
func (p Policy) NextAttempt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

func (p Policy) raw(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Base)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	raw := base * math.Pow(factor, float64(attempt-1))
	if p.Max > 0 && raw > float64(p.Max) {
		raw = float64(p.Max)
	}
	return time.Duration(raw)
}

// JobID joins the segments with "--" after replacing ":" with "-" in each
// segment. Scheduled retries enqueued with the resulting id replace any
// pending job with the same id, making rescheduling idempotent.
func JobID(segments ...string) string {
	cleaned := make([]string, 0, len(segments))
	for _, s := range segments {
		if s == "" {
			continue
		}
		cleaned = append(cleaned, strings.ReplaceAll(s, ":", "-"))
	}
	return strings.Join(cleaned, "--")
}
