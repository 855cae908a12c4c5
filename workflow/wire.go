package workflow

import (
	"encoding/json"
	"time"
)

// Duration fields travel as integer milliseconds on the wire (timeoutMs,
// windowMs, maxAgeMs, ...) while the Go structs carry time.Duration. The
// marshal methods below do the conversion; the duration fields themselves are
// excluded from the default encoding so a raw nanosecond value never leaks
// into or out of the wire form.

// MarshalJSON emits Timeout as the timeoutMs wire field.
func (s Step) MarshalJSON() ([]byte, error) {
	type alias Step
	return json.Marshal(struct {
		alias
		TimeoutMS int64 `json:"timeoutMs,omitempty"`
	}{alias: alias(s), TimeoutMS: s.Timeout.Milliseconds()})
}

// UnmarshalJSON reads the timeoutMs wire field into Timeout.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step
	aux := struct {
		*alias
		TimeoutMS *int64 `json:"timeoutMs"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TimeoutMS != nil {
		s.Timeout = time.Duration(*aux.TimeoutMS) * time.Millisecond
	}
	return nil
}

// MarshalJSON emits Window as the windowMs wire field.
func (t Throttle) MarshalJSON() ([]byte, error) {
	type alias Throttle
	return json.Marshal(struct {
		alias
		WindowMS int64 `json:"windowMs,omitempty"`
	}{alias: alias(t), WindowMS: t.Window.Milliseconds()})
}

// UnmarshalJSON reads the windowMs wire field into Window.
func (t *Throttle) UnmarshalJSON(data []byte) error {
	type alias Throttle
	aux := struct {
		*alias
		WindowMS *int64 `json:"windowMs"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.WindowMS != nil {
		t.Window = time.Duration(*aux.WindowMS) * time.Millisecond
	}
	return nil
}

// MarshalJSON emits the freshness bounds as maxAgeMs, ttlMs and cadenceMs.
func (f Freshness) MarshalJSON() ([]byte, error) {
	type alias Freshness
	return json.Marshal(struct {
		alias
		MaxAgeMS  int64 `json:"maxAgeMs,omitempty"`
		TTLMS     int64 `json:"ttlMs,omitempty"`
		CadenceMS int64 `json:"cadenceMs,omitempty"`
	}{
		alias:     alias(f),
		MaxAgeMS:  f.MaxAge.Milliseconds(),
		TTLMS:     f.TTL.Milliseconds(),
		CadenceMS: f.Cadence.Milliseconds(),
	})
}

// UnmarshalJSON reads maxAgeMs, ttlMs and cadenceMs into the duration fields.
func (f *Freshness) UnmarshalJSON(data []byte) error {
	type alias Freshness
	aux := struct {
		*alias
		MaxAgeMS  *int64 `json:"maxAgeMs"`
		TTLMS     *int64 `json:"ttlMs"`
		CadenceMS *int64 `json:"cadenceMs"`
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.MaxAgeMS != nil {
		f.MaxAge = time.Duration(*aux.MaxAgeMS) * time.Millisecond
	}
	if aux.TTLMS != nil {
		f.TTL = time.Duration(*aux.TTLMS) * time.Millisecond
	}
	if aux.CadenceMS != nil {
		f.Cadence = time.Duration(*aux.CadenceMS) * time.Millisecond
	}
	return nil
}
