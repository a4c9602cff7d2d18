package loadgen

import (
	"fmt"
	"sync/atomic"
)

// Level is the current load target. Exactly one of the two dimensions
// drives a manager: Concurrency for closed-loop traffic, Rate for
// open-loop traffic.
type Level struct {
	Concurrency int
	Rate        float64
}

func (l Level) String() string {
	if l.Rate > 0 {
		return fmt.Sprintf("%.4g req/s", l.Rate)
	}
	return fmt.Sprintf("concurrency %d", l.Concurrency)
}

// Value returns the numeric load value of whichever dimension is set.
func (l Level) Value() float64 {
	if l.Rate > 0 {
		return l.Rate
	}
	return float64(l.Concurrency)
}

// loadLevel is an atomically published snapshot: one writer (the
// profiler, through ChangeLoad), many readers, no lock on the dispatch
// hot path. A level change is observed in full or not at all.
type loadLevel struct {
	v atomic.Pointer[Level]
}

func (p *loadLevel) Store(l Level) {
	p.v.Store(&l)
}

func (p *loadLevel) Load() Level {
	if l := p.v.Load(); l != nil {
		return *l
	}
	return Level{}
}
