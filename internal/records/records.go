package records

import (
	"time"
)

// SequenceInfo carries the correlation metadata attached to a request
// that belongs to a stateful sequence.
type SequenceInfo struct {
	CorrelationID uint64 `json:"correlation_id"`
	Start         bool   `json:"start,omitempty"`
	End           bool   `json:"end,omitempty"`
}

// RequestRecord captures the outcome of a single dispatched request.
// Exactly one record exists per dispatch: either a completed record
// (success or error) or an abandonment marker written during shutdown.
type RequestRecord struct {
	Slot      int           `json:"slot"`
	Sent      time.Time     `json:"sent"`
	Received  []time.Time   `json:"received,omitempty"` // one entry per response unit for streaming
	Tokens    int           `json:"tokens,omitempty"`   // output tokens reported by the backend
	Err       error         `json:"-"`
	ErrorType string        `json:"error_type,omitempty"`
	Abandoned bool          `json:"abandoned,omitempty"`
	Sequence  *SequenceInfo `json:"sequence,omitempty"`
}

// Failed reports whether the record represents a failed request.
// Abandoned records are neither failures nor successes.
func (r *RequestRecord) Failed() bool {
	return !r.Abandoned && r.Err != nil
}

// Latency returns the duration from send to the final response unit.
// Zero when the record has no receive timestamps.
func (r *RequestRecord) Latency() time.Duration {
	if len(r.Received) == 0 {
		return 0
	}
	return r.Received[len(r.Received)-1].Sub(r.Sent)
}

// TimeToFirst returns the duration from send to the first response unit.
func (r *RequestRecord) TimeToFirst() time.Duration {
	if len(r.Received) == 0 {
		return 0
	}
	return r.Received[0].Sub(r.Sent)
}

// ResponseGaps returns the deltas between consecutive response units.
// Empty for non-streaming responses.
func (r *RequestRecord) ResponseGaps() []time.Duration {
	if len(r.Received) < 2 {
		return nil
	}
	gaps := make([]time.Duration, 0, len(r.Received)-1)
	for i := 1; i < len(r.Received); i++ {
		gaps = append(gaps, r.Received[i].Sub(r.Received[i-1]))
	}
	return gaps
}
