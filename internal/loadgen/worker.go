package loadgen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/inferload/inferload/internal/slots"
)

// FatalError is a worker-level failure that must abort the run, as
// opposed to per-request errors which only raise the error rate.
type FatalError struct {
	Worker int
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("worker %d fatal: %v", e.Worker, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// worker is one thread-bound driver of the shared load loop. The loop
// is identical for every manager variant; the pacer, or its absence,
// encodes the traffic pattern:
//
//   - closed-loop: no pacer, synchronous dispatch, a freed slot is
//     reissued immediately (fixed concurrency);
//   - open-loop: pacer decides send times, dispatch runs in its own
//     goroutine so sends never wait on prior completions.
type worker struct {
	id       int
	tracker  *slots.Tracker
	contexts *atomic.Pointer[[]*ExecutionContext]
	pacer    pacer
	async    bool

	maxConsecutive int
	consecutive    atomic.Int64

	inflight *sync.WaitGroup
	errs     chan<- error
	fatal    *atomic.Pointer[FatalError]
	log      *zap.Logger

	// halt cancels this worker's issue loop; async completions use it
	// to stop the pacer once the failure threshold trips.
	halt context.CancelFunc

	// issueCtx gates new work; dispatchCtx covers in-flight requests
	// and survives issueCtx by the shutdown grace period.
	dispatchCtx context.Context
}

// run loops until the issue context is canceled, the tracker closes,
// the timeline ends, or the consecutive-failure threshold is hit.
// All held slot ids are released before returning.
func (w *worker) run(issueCtx context.Context) {
	for {
		if issueCtx.Err() != nil {
			return
		}
		if w.pacer != nil {
			if err := w.pacer.Wait(issueCtx); err != nil {
				if err == ErrTimelineDone {
					w.log.Debug("timeline exhausted", zap.Int("worker", w.id))
				}
				return
			}
		}

		id, err := w.tracker.Acquire(issueCtx)
		if err != nil {
			// Shutdown signal or closed tracker: exit cleanly.
			return
		}
		ec := w.contextFor(id)
		if ec == nil {
			w.tracker.Release(id)
			return
		}

		if w.async {
			w.inflight.Add(1)
			go func() {
				defer w.inflight.Done()
				defer w.tracker.Release(id)
				if halt := w.account(ec.Dispatch(w.dispatchCtx)); halt {
					w.halt()
				}
			}()
			continue
		}

		err = ec.Dispatch(w.dispatchCtx)
		w.tracker.Release(id)
		if halt := w.account(err); halt {
			return
		}
	}
}

// account updates the consecutive-failure counter and reports fatal
// when the threshold is exceeded. Returns true when the worker must
// halt.
func (w *worker) account(err error) bool {
	if err == nil || w.dispatchCtx.Err() != nil {
		w.consecutive.Store(0)
		return false
	}
	select {
	case w.errs <- err:
	default:
	}
	n := w.consecutive.Add(1)
	if w.maxConsecutive > 0 && n >= int64(w.maxConsecutive) {
		fatal := &FatalError{
			Worker: w.id,
			Err:    fmt.Errorf("%d consecutive request failures (last: %w)", n, err),
		}
		w.fatal.CompareAndSwap(nil, fatal)
		select {
		case w.errs <- fatal:
		default:
		}
		w.log.Warn("worker halting", zap.Int("worker", w.id), zap.Error(fatal))
		return true
	}
	return false
}

func (w *worker) contextFor(id int) *ExecutionContext {
	ctxs := w.contexts.Load()
	if ctxs == nil || id >= len(*ctxs) {
		return nil
	}
	return (*ctxs)[id]
}
