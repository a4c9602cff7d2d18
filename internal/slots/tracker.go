// Package slots allocates and reclaims execution-slot identifiers.
//
// A Tracker hands out context ids to load workers under one of three
// interchangeable policies and takes them back on release. The pool is
// resized only between measurement windows, never while workers are
// actively dispatching.
package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Policy selects the id allocation strategy.
type Policy string

const (
	// PolicyFIFO serves ids in arrival-of-freedom order, giving
	// bounded reuse latency and round-robin fairness.
	PolicyFIFO Policy = "fifo"
	// PolicySliding restricts acquisition to a bounded window of
	// simultaneously outstanding ids that slides around the id ring
	// as releases occur, so concurrency ramps never cancel in-flight
	// requests.
	PolicySliding Policy = "sliding"
	// PolicyRandom picks uniformly among free ids to avoid
	// correlating request order with server-side caching effects.
	PolicyRandom Policy = "random"
)

// ErrClosed is returned by Acquire and Resize after Close.
var ErrClosed = errors.New("slots: tracker closed")

// Tracker manages a fixed-size pool of context ids.
type Tracker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  policyState
	size   int
	target int
	busy   map[int]bool
	closed bool
}

// Options configure a Tracker.
type Options struct {
	Policy Policy
	Size   int
	// Window caps simultaneously outstanding ids for PolicySliding.
	// Zero means the full pool size.
	Window int
	// Seed drives PolicyRandom's choice; ignored by other policies.
	Seed int64
}

// New creates a tracker with all ids free.
func New(opt Options) (*Tracker, error) {
	if opt.Size <= 0 {
		return nil, fmt.Errorf("slots: pool size must be positive, got %d", opt.Size)
	}
	state, err := newPolicyState(opt)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		state:  state,
		size:   opt.Size,
		target: opt.Size,
		busy:   make(map[int]bool, opt.Size),
	}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

// Acquire blocks until a slot id is free or the context is canceled
// or the tracker is closed.
func (t *Tracker) Acquire(ctx context.Context) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.closed {
			return -1, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		if id, ok := t.state.next(); ok {
			t.busy[id] = true
			return id, nil
		}
		t.cond.Wait()
	}
}

// Release returns an acquired id to the pool. Releasing an id that is
// not outstanding is a programming error and panics.
func (t *Tracker) Release(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.busy[id] {
		panic(fmt.Sprintf("slots: release of id %d that is not outstanding", id))
	}
	delete(t.busy, id)
	// Ids beyond a pending shrink target retire instead of re-entering.
	if id < t.target {
		t.state.free(id)
	} else {
		t.state.retire(id)
	}
	t.cond.Broadcast()
}

// Resize grows or shrinks the pool to n. Shrinking blocks until every
// id beyond the new bound has been released. Only valid between
// measurement windows.
func (t *Tracker) Resize(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("slots: pool size must be positive, got %d", n)
	}
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	if n >= t.size {
		t.state.grow(t.size, n)
		t.size = n
		t.target = n
		t.cond.Broadcast()
		return nil
	}

	t.target = n
	t.state.shrink(n)
	for {
		if t.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			// Abort the shrink. Ids dropped or retired so far re-enter
			// the pool; ids still busy come back through Release.
			t.target = t.size
			for id := n; id < t.size; id++ {
				if !t.busy[id] {
					t.state.restore(id)
				}
			}
			return err
		}
		if !t.anyBusyAtOrAbove(n) {
			t.size = n
			return nil
		}
		t.cond.Wait()
	}
}

// Size returns the current pool size.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Outstanding returns the number of ids currently acquired.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.busy)
}

// Close unblocks all waiters. Outstanding ids may still be released
// afterwards; further Acquire and Resize calls fail with ErrClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Tracker) anyBusyAtOrAbove(n int) bool {
	for id := range t.busy {
		if id >= n {
			return true
		}
	}
	return false
}
