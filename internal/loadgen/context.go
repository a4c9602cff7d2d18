package loadgen

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferload/inferload/internal/client"
	"github.com/inferload/inferload/internal/dataset"
	"github.com/inferload/inferload/internal/records"
	"github.com/inferload/inferload/internal/sequence"
)

// ExecutionContext owns one execution slot's request lifecycle:
// compose, dispatch, record. A slot is held by exactly one goroutine
// from acquire to release, so the context's fields need no lock.
type ExecutionContext struct {
	slot      int
	client    client.Client
	source    dataset.Source
	seqs      *sequence.Manager // nil when sequences are off
	collector *records.Collector
	tracer    trace.Tracer // nil when tracing is off

	lastSend time.Time
	lastRecv time.Time
}

func newExecutionContext(slot int, deps *contextDeps) *ExecutionContext {
	return &ExecutionContext{
		slot:      slot,
		client:    deps.client,
		source:    deps.source,
		seqs:      deps.seqs,
		collector: deps.collector,
		tracer:    deps.tracer,
	}
}

type contextDeps struct {
	client    client.Client
	source    dataset.Source
	seqs      *sequence.Manager
	collector *records.Collector
	tracer    trace.Tracer
}

// Dispatch issues one request and records exactly one RequestRecord,
// even under cancellation: a dispatch cut short by shutdown leaves an
// abandonment marker instead of a completed record. The returned error
// feeds the worker's consecutive-failure accounting; abandonment does
// not count as a failure.
func (e *ExecutionContext) Dispatch(ctx context.Context) error {
	inputs, err := e.source.NextInputs(e.slot)
	if err != nil {
		e.collector.Record(records.RequestRecord{
			Slot: e.slot,
			Sent: time.Now(),
			Err:  err,
		})
		return err
	}

	req := &client.Request{
		Prompt:    inputs.Prompt,
		MaxTokens: inputs.MaxTokens,
		Stream:    true,
	}

	var seqInfo *records.SequenceInfo
	if e.seqs != nil {
		binding, err := e.seqs.Bind(ctx, e.slot)
		if err != nil {
			e.collector.Record(records.RequestRecord{
				Slot: e.slot,
				Sent: time.Now(),
				Err:  err,
			})
			return err
		}
		req.Correlation = &client.Correlation{
			ID:    binding.CorrelationID,
			Start: binding.Start,
			End:   binding.End,
		}
		seqInfo = &records.SequenceInfo{
			CorrelationID: binding.CorrelationID,
			Start:         binding.Start,
			End:           binding.End,
		}
	}

	var span trace.Span
	if e.tracer != nil {
		attrs := []attribute.KeyValue{attribute.Int("inferload.slot", e.slot)}
		if seqInfo != nil {
			attrs = append(attrs, attribute.Int64("inferload.correlation_id", int64(seqInfo.CorrelationID)))
		}
		ctx, span = e.tracer.Start(ctx, "dispatch", trace.WithAttributes(attrs...))
		defer span.End()
	}

	sent := time.Now()
	e.lastSend = sent
	res, err := e.client.Send(ctx, req)

	rec := records.RequestRecord{
		Slot:     e.slot,
		Sent:     sent,
		Sequence: seqInfo,
	}
	switch {
	case err == nil:
		rec.Received = res.Received
		rec.Tokens = res.OutputTokens
		if len(rec.Received) > 0 {
			e.lastRecv = rec.Received[len(rec.Received)-1]
		}
	case ctx.Err() == context.Canceled:
		// Shutdown won the race: the dispatch terminates in an
		// explicit abandonment entry, never silently.
		rec.Abandoned = true
		if e.seqs != nil {
			e.seqs.Abort(e.slot)
		}
		err = nil
	default:
		rec.Err = err
		var streamErr *client.StreamError
		if errors.As(err, &streamErr) {
			rec.Received = streamErr.Received
		}
	}

	if span != nil {
		if rec.Err != nil {
			span.SetStatus(codes.Error, rec.Err.Error())
		} else if rec.Abandoned {
			span.SetAttributes(attribute.Bool("inferload.abandoned", true))
		}
	}

	e.collector.Record(rec)
	return err
}

// Slot returns the execution slot id this context is bound to.
func (e *ExecutionContext) Slot() int { return e.slot }
