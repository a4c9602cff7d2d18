// Package profiler runs measurement windows against a load manager,
// judges their statistical stability, and converges on target load
// levels.
//
// # Measurement windows
//
// A window is a time-bounded set of request records. Statistics count
// only records whose send timestamp lies fully inside the window
// bounds, so requests spanning a boundary never bias two windows. A
// window is accepted once it holds the configured minimum request
// count and agrees with the immediately preceding window at the same
// level within the stability tolerance; otherwise it is rerun up to a
// bounded retry count, after which the repeated windows are averaged
// into a best-effort result.
//
// # Search policies
//
//   - [ModeSearch]: linear ascent from the minimum level while the
//     latency constraint holds, then bisection between the last
//     satisfying and first violating level, converging to within the
//     configured precision or the trial budget.
//   - [ModeSweep]: each configured level once, or one window spanning
//     a replayed timeline.
//
// Fatal conditions (unreachable server, consecutive-failure
// threshold, error-rate ceiling) abort the run; the returned error
// names the last successfully completed window. Transient per-request
// errors only raise the window's error rate.
package profiler
