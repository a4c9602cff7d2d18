// Package loadgen is the load-generation and concurrency-control
// engine: execution contexts, load workers and load managers.
//
// # Managers
//
// A [Manager] owns a pool of workers and the shared [Level]. The four
// variants are a closed set of tagged kinds behind one interface:
//
//   - [KindConcurrency]: closed-loop, fixed simultaneous users
//   - [KindRate]: open-loop, fixed target request rate
//   - [KindTimeline]: open-loop, replayed send-offset schedule
//   - [KindStep]: level stepped on a wall-clock schedule mid-run
//
// All variants share one worker loop parameterized on a pacing
// strategy; closed-loop runs without a pacer and reissues a freed
// slot immediately, open-loop paces sends and dispatches without
// waiting on prior completions so queueing under overload stays
// observable.
//
// # Level changes
//
// The profiler is the sole writer of the load level (the step
// schedule takes that role in step mode). [Manager.ChangeLoad] is
// only invoked between measurement windows and resizes workers, slot
// tracker and execution contexts together, so readers observe either
// the old level or the new one, never a mix.
//
// # Shutdown
//
// Stop first quiesces issuing, then waits for in-flight requests up
// to a grace period, then abandons the rest. Every dispatched request
// terminates in exactly one record or one abandonment entry.
package loadgen
