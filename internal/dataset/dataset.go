// Package dataset supplies per-request inference inputs, either
// synthesized or replayed from a recorded dataset file.
package dataset

import (
	"fmt"
)

// Inputs is one request's worth of input data.
type Inputs struct {
	Prompt    string
	MaxTokens int
}

// Source provides inputs for each dispatch. Implementations must be
// safe for concurrent use; the slot id lets a source keep per-slot
// streams stable across a stateful sequence.
type Source interface {
	NextInputs(slot int) (Inputs, error)
	Len() int
	Close() error
}

// ErrExhausted is returned when a replay source has no more entries
// and rewind is disabled.
var ErrExhausted = fmt.Errorf("dataset exhausted: no more entries available")
