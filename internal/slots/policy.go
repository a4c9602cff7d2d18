package slots

import (
	"fmt"
	"math/rand"
)

// policyState is the allocation state machine behind a Tracker. All
// methods are called with the tracker lock held.
type policyState interface {
	// next returns a free id, or false when none is eligible.
	next() (int, bool)
	// free returns a released id to the eligible set.
	free(id int)
	// retire accounts for a released id that leaves the pool during a
	// shrink instead of re-entering the eligible set.
	retire(id int)
	// restore re-adds an id removed by shrink or retire, without
	// touching outstanding accounting.
	restore(id int)
	// grow adds fresh ids [from, to) to the pool.
	grow(from, to int)
	// shrink drops free ids at or above n.
	shrink(n int)
}

func newPolicyState(opt Options) (policyState, error) {
	switch opt.Policy {
	case PolicyFIFO, "":
		return newQueueState(opt.Size, 0), nil
	case PolicySliding:
		window := opt.Window
		if window <= 0 || window > opt.Size {
			window = 0
		}
		return newQueueState(opt.Size, window), nil
	case PolicyRandom:
		return newRandomState(opt.Size, opt.Seed), nil
	default:
		return nil, fmt.Errorf("slots: unknown policy %q", opt.Policy)
	}
}

// queueState serves ids in freedom order. A non-zero cap also bounds
// the number of simultaneously outstanding ids, which makes the
// eligible range slide around the id ring as releases occur. The cap
// survives pool resizes, so a shrink-then-regrow cycle comes back to
// the configured window.
type queueState struct {
	queue       []int
	cap         int // sliding bound; 0 means uncapped
	outstanding int
}

func newQueueState(size, cap int) *queueState {
	q := &queueState{cap: cap}
	for id := 0; id < size; id++ {
		q.queue = append(q.queue, id)
	}
	return q
}

func (q *queueState) next() (int, bool) {
	if len(q.queue) == 0 {
		return -1, false
	}
	if q.cap > 0 && q.outstanding >= q.cap {
		return -1, false
	}
	id := q.queue[0]
	q.queue = q.queue[1:]
	q.outstanding++
	return id, true
}

func (q *queueState) free(id int) {
	q.queue = append(q.queue, id)
	q.outstanding--
}

func (q *queueState) retire(int) {
	q.outstanding--
}

func (q *queueState) restore(id int) {
	q.queue = append(q.queue, id)
}

func (q *queueState) grow(from, to int) {
	for id := from; id < to; id++ {
		q.queue = append(q.queue, id)
	}
}

func (q *queueState) shrink(n int) {
	kept := q.queue[:0]
	for _, id := range q.queue {
		if id < n {
			kept = append(kept, id)
		}
	}
	q.queue = kept
}

// randomState picks uniformly among free ids.
type randomState struct {
	freeIDs []int
	rnd     *rand.Rand
}

func newRandomState(size int, seed int64) *randomState {
	s := &randomState{rnd: rand.New(rand.NewSource(seed))}
	for id := 0; id < size; id++ {
		s.freeIDs = append(s.freeIDs, id)
	}
	return s
}

func (s *randomState) next() (int, bool) {
	if len(s.freeIDs) == 0 {
		return -1, false
	}
	i := s.rnd.Intn(len(s.freeIDs))
	id := s.freeIDs[i]
	last := len(s.freeIDs) - 1
	s.freeIDs[i] = s.freeIDs[last]
	s.freeIDs = s.freeIDs[:last]
	return id, true
}

func (s *randomState) free(id int) {
	s.freeIDs = append(s.freeIDs, id)
}

func (s *randomState) retire(int) {}

func (s *randomState) restore(id int) {
	s.freeIDs = append(s.freeIDs, id)
}

func (s *randomState) grow(from, to int) {
	for id := from; id < to; id++ {
		s.freeIDs = append(s.freeIDs, id)
	}
}

func (s *randomState) shrink(n int) {
	kept := s.freeIDs[:0]
	for _, id := range s.freeIDs {
		if id < n {
			kept = append(kept, id)
		}
	}
	s.freeIDs = kept
}
