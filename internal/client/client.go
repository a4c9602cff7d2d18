// Package client defines the inference client capability and its
// protocol backends. The load-generation core depends only on
// timestamps and success or error, never on transport specifics.
package client

import (
	"context"
	"fmt"
	"time"
)

// Correlation is optional sequence metadata attached to a request.
type Correlation struct {
	ID    uint64
	Start bool
	End   bool
}

// Request is a single inference request, transport-agnostic.
type Request struct {
	Prompt      string
	MaxTokens   int
	Stream      bool
	Correlation *Correlation
}

// Result reports the completion of a request. Received holds one
// timestamp per response unit: a single entry for unary responses, one
// per chunk for streaming.
type Result struct {
	Received     []time.Time
	OutputTokens int
}

// Client sends inference requests through one transport backend.
// Implementations must be safe for concurrent use.
type Client interface {
	Send(ctx context.Context, req *Request) (*Result, error)
	Close() error
}

// StatusError is a non-2xx HTTP response from the inference server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// StreamError is a failure partway through a streamed response. The
// units received before the failure are preserved for accounting.
type StreamError struct {
	Received []time.Time
	Cause    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d units: %v", len(e.Received), e.Cause)
}

func (e *StreamError) Unwrap() error { return e.Cause }
