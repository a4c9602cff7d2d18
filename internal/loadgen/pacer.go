package loadgen

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrTimelineDone signals that a replayed timeline has issued its
// final send slot; workers drain and exit cleanly.
var ErrTimelineDone = errors.New("loadgen: timeline exhausted")

// pacer decides when the next request may be issued. Closed-loop
// managers run without one; open-loop managers pick uniform, Poisson
// or timeline pacing.
type pacer interface {
	Wait(ctx context.Context) error
	SetRate(rps float64)
}

// uniformPacer spaces sends evenly through a rate.Limiter.
type uniformPacer struct {
	limiter *rate.Limiter
}

func newUniformPacer(rps float64) *uniformPacer {
	p := &uniformPacer{limiter: rate.NewLimiter(rate.Inf, 0)}
	p.SetRate(rps)
	return p
}

func (u *uniformPacer) Wait(ctx context.Context) error {
	return u.limiter.Wait(ctx)
}

func (u *uniformPacer) SetRate(rps float64) {
	if rps <= 0 {
		u.limiter.SetLimit(rate.Inf)
		u.limiter.SetBurst(0)
		return
	}
	u.limiter.SetLimit(rate.Limit(rps))
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	u.limiter.SetBurst(burst)
}

// poissonPacer samples exponential inter-arrival times so offered load
// approximates a Poisson process instead of a metronome.
type poissonPacer struct {
	mu     sync.Mutex
	rate   float64
	sample func() float64
}

func newPoissonPacer(rps float64, seed int64) *poissonPacer {
	seeded := rand.New(rand.NewSource(seed))
	p := &poissonPacer{sample: seeded.ExpFloat64}
	p.SetRate(rps)
	return p
}

func (p *poissonPacer) Wait(ctx context.Context) error {
	delay := p.nextDelay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *poissonPacer) SetRate(rps float64) {
	if rps < 0 {
		rps = 0
	}
	p.mu.Lock()
	p.rate = rps
	p.mu.Unlock()
}

func (p *poissonPacer) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rate <= 0 || p.sample == nil {
		return 0
	}
	value := p.sample()
	delay := float64(time.Second) * value / p.rate
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	return time.Duration(delay)
}

// timelinePacer replays a recorded schedule of send offsets measured
// from run start. Offsets must be sorted ascending. All waits use the
// monotonic clock carried by time.Time.
type timelinePacer struct {
	mu      sync.Mutex
	offsets []time.Duration
	start   time.Time
	next    int
}

func newTimelinePacer(offsets []time.Duration) *timelinePacer {
	return &timelinePacer{offsets: offsets}
}

func (t *timelinePacer) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.start.IsZero() {
		t.start = time.Now()
	}
	if t.next >= len(t.offsets) {
		t.mu.Unlock()
		return ErrTimelineDone
	}
	due := t.start.Add(t.offsets[t.next])
	t.next++
	t.mu.Unlock()

	delay := time.Until(due)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRate is a no-op: the replayed offsets are the schedule.
func (t *timelinePacer) SetRate(float64) {}
