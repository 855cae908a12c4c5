package retry

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how per-step retry delays grow between attempts.
type Strategy string

const (
	// StrategyNone disables retries regardless of MaxAttempts.
	StrategyNone Strategy = "none"
	// StrategyFixed uses InitialDelay for every attempt.
	StrategyFixed Strategy = "fixed"
	// StrategyExponential doubles the delay each attempt, capped at MaxDelay.
	StrategyExponential Strategy = "exponential"
)

// Jitter selects the jitter mode applied to per-step retry delays.
type Jitter string

const (
	// JitterNone applies the computed delay unchanged.
	JitterNone Jitter = "none"
	// JitterFull draws uniformly from [0, delay].
	JitterFull Jitter = "full"
	// JitterEqual draws uniformly from [delay/2, delay].
	JitterEqual Jitter = "equal"
)

const (
	// MaxStepAttempts bounds MaxAttempts on a step retry policy.
	MaxStepAttempts = 10
	// MaxStepDelay bounds InitialDelay and MaxDelay on a step retry policy.
	MaxStepDelay = 24 * time.Hour
)

// StepPolicy is the per-step retry policy carried on workflow step
// definitions. The delays travel as integer milliseconds on the wire
// (initialDelayMs, maxDelayMs); the marshal methods do the conversion.
type StepPolicy struct {
	MaxAttempts  int           `json:"maxAttempts"`
	Strategy     Strategy      `json:"strategy"`
	InitialDelay time.Duration `json:"-"`
	MaxDelay     time.Duration `json:"-"`
	Jitter       Jitter        `json:"jitter"`

	// Rand supplies uniform values in [0, 1) for jitter; tests inject a
	// deterministic function.
	Rand func() float64 `json:"-"`
}

// MarshalJSON emits the delays as the initialDelayMs and maxDelayMs wire
// fields.
func (p StepPolicy) MarshalJSON() ([]byte, error) {
	type alias StepPolicy
	return json.Marshal(struct {
		alias
		InitialDelayMS int64 `json:"initialDelayMs"`
		MaxDelayMS     int64 `json:"maxDelayMs"`
	}{
		alias:          alias(p),
		InitialDelayMS: p.InitialDelay.Milliseconds(),
		MaxDelayMS:     p.MaxDelay.Milliseconds(),
	})
}

// UnmarshalJSON reads initialDelayMs and maxDelayMs into the delay fields.
func (p *StepPolicy) UnmarshalJSON(data []byte) error {
	type alias StepPolicy
	aux := struct {
		*alias
		InitialDelayMS *int64 `json:"initialDelayMs"`
		MaxDelayMS     *int64 `json:"maxDelayMs"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.InitialDelayMS != nil {
		p.InitialDelay = time.Duration(*aux.InitialDelayMS) * time.Millisecond
	}
	if aux.MaxDelayMS != nil {
		p.MaxDelay = time.Duration(*aux.MaxDelayMS) * time.Millisecond
	}
	return nil
}

// Validate checks the policy bounds from the workflow definition contract.
func (p StepPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxStepAttempts {
		return fmt.Errorf("retry policy maxAttempts must be in [1, %d], got %d", MaxStepAttempts, p.MaxAttempts)
	}
	switch p.Strategy {
	case StrategyNone, StrategyFixed, StrategyExponential, "":
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	switch p.Jitter {
	case JitterNone, JitterFull, JitterEqual, "":
	default:
		return fmt.Errorf("unknown retry jitter %q", p.Jitter)
	}
	if p.InitialDelay < 0 || p.InitialDelay > MaxStepDelay {
		return fmt.Errorf("retry policy initialDelayMs out of range")
	}
	if p.MaxDelay < 0 || p.MaxDelay > MaxStepDelay {
		return fmt.Errorf("retry policy maxDelayMs out of range")
	}
	return nil
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt number failed.
func (p StepPolicy) ShouldRetry(attempt int) bool {
	if p.Strategy == StrategyNone || p.Strategy == "" {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay returns the jittered delay before the given attempt (2-based: the
// delay preceding attempt n is computed from the n-1 failures so far).
func (p StepPolicy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		attempt = 2
	}
	var raw time.Duration
	switch p.Strategy {
	case StrategyFixed:
		raw = p.InitialDelay
	case StrategyExponential:
		d := float64(p.InitialDelay) * math.Pow(2, float64(attempt-2))
		raw = time.Duration(d)
	default:
		return 0
	}
	if p.MaxDelay > 0 && raw > p.MaxDelay {
		raw = p.MaxDelay
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	switch p.Jitter {
	case JitterFull:
		return time.Duration(r() * float64(raw))
	case JitterEqual:
		half := float64(raw) / 2
		return time.Duration(half + r()*half)
	default:
		return raw
	}
}
