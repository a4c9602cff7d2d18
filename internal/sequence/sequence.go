// Package sequence assigns correlation ids to stateful request
// sequences and retires them when a sequence completes.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// ErrClosed is returned by Bind after Close.
var ErrClosed = errors.New("sequence: manager closed")

// ErrExhausted is returned by Bind in fail-fast mode when every
// correlation id is bound to a live sequence.
var ErrExhausted = errors.New("sequence: correlation id pool exhausted")

// Binding is the correlation metadata for one request of a sequence.
type Binding struct {
	CorrelationID uint64
	Start         bool
	End           bool
	Remaining     int
}

// Distribution samples sequence lengths.
type Distribution struct {
	Kind   DistributionKind
	Mean   float64
	StdDev float64 // normal only
	Min    int     // uniform lower bound
	Max    int     // uniform upper bound
}

type DistributionKind string

const (
	DistConstant DistributionKind = "constant"
	DistUniform  DistributionKind = "uniform"
	DistNormal   DistributionKind = "normal"
)

func (d Distribution) sample(rnd *rand.Rand) int {
	var n int
	switch d.Kind {
	case DistUniform:
		lo, hi := d.Min, d.Max
		if hi <= lo {
			n = lo
		} else {
			n = lo + rnd.Intn(hi-lo+1)
		}
	case DistNormal:
		n = int(rnd.NormFloat64()*d.StdDev + d.Mean)
	default:
		n = int(d.Mean)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Options configure a Manager.
type Options struct {
	// MaxLive bounds the number of concurrently live sequences; the
	// correlation id pool is sized to it.
	MaxLive int
	// Block makes Bind wait for a free correlation id instead of
	// failing with ErrExhausted.
	Block  bool
	Length Distribution
	Seed   int64
}

type liveSeq struct {
	remaining int
}

// Manager owns the bounded correlation-id table. A correlation id is
// never concurrently bound to two live sequences and is reused only
// after its owning sequence ends. One mutex guards the table since
// sequence churn is low relative to request rate.
type Manager struct {
	mu     sync.Mutex
	cond   *sync.Cond
	opt    Options
	rnd    *rand.Rand
	freeID []uint64
	live   map[int]*liveSeq  // slot -> live sequence
	bound  map[int]uint64    // slot -> correlation id
	closed bool
}

func NewManager(opt Options) (*Manager, error) {
	if opt.MaxLive <= 0 {
		return nil, fmt.Errorf("sequence: max live sequences must be positive, got %d", opt.MaxLive)
	}
	m := &Manager{
		opt:   opt,
		rnd:   rand.New(rand.NewSource(opt.Seed)),
		live:  make(map[int]*liveSeq),
		bound: make(map[int]uint64),
	}
	m.cond = sync.NewCond(&m.mu)
	// Correlation ids are 1-based; zero means "no sequence" on the wire.
	for i := 0; i < opt.MaxLive; i++ {
		m.freeID = append(m.freeID, uint64(i+1))
	}
	return m, nil
}

// Bind returns the correlation metadata for the next request on the
// given slot. A slot with no live sequence starts a new one (fresh id,
// sampled length, start flag); otherwise the bound sequence continues
// and the end flag is set when its remaining count reaches zero.
func (m *Manager) Bind(ctx context.Context, slot int) (Binding, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Binding{}, ErrClosed
	}
	if seq, ok := m.live[slot]; ok {
		return m.continueSeq(slot, seq), nil
	}

	for len(m.freeID) == 0 {
		if m.closed {
			return Binding{}, ErrClosed
		}
		if !m.opt.Block {
			return Binding{}, ErrExhausted
		}
		if err := ctx.Err(); err != nil {
			return Binding{}, err
		}
		m.cond.Wait()
	}
	if m.closed {
		return Binding{}, ErrClosed
	}

	id := m.freeID[0]
	m.freeID = m.freeID[1:]
	length := m.opt.Length.sample(m.rnd)

	b := Binding{CorrelationID: id, Start: true, Remaining: length - 1}
	if length == 1 {
		// Single-request sequence: the start record is also the end.
		b.End = true
		m.freeID = append(m.freeID, id)
		return b, nil
	}

	m.live[slot] = &liveSeq{remaining: length - 1}
	m.bound[slot] = id
	return b, nil
}

func (m *Manager) continueSeq(slot int, seq *liveSeq) Binding {
	id := m.bound[slot]
	seq.remaining--
	b := Binding{CorrelationID: id, Remaining: seq.remaining}
	if seq.remaining == 0 {
		b.End = true
		delete(m.live, slot)
		delete(m.bound, slot)
		m.freeID = append(m.freeID, id)
		m.cond.Broadcast()
	}
	return b
}

// Abort retires the sequence bound to a slot without completing it,
// releasing its correlation id. Used during teardown.
func (m *Manager) Abort(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[slot]; !ok {
		return
	}
	id := m.bound[slot]
	delete(m.live, slot)
	delete(m.bound, slot)
	m.freeID = append(m.freeID, id)
	m.cond.Broadcast()
}

// Live returns the number of currently live sequences.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close unblocks all waiters; further Bind calls fail with ErrClosed
// once the id pool is exhausted or immediately for new sequences.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
