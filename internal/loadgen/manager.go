package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/inferload/inferload/internal/client"
	"github.com/inferload/inferload/internal/dataset"
	"github.com/inferload/inferload/internal/records"
	"github.com/inferload/inferload/internal/sequence"
	"github.com/inferload/inferload/internal/slots"
)

// Kind tags the closed set of manager variants.
type Kind string

const (
	// KindConcurrency drives closed-loop traffic at a fixed number of
	// simultaneous in-flight requests.
	KindConcurrency Kind = "concurrency"
	// KindRate drives open-loop traffic at a target request rate.
	KindRate Kind = "rate"
	// KindTimeline replays a recorded schedule of send offsets.
	KindTimeline Kind = "timeline"
	// KindStep changes the level on a wall-clock schedule mid-run to
	// observe server elasticity, independent of the search.
	KindStep Kind = "step"
)

// PacingModel selects the open-loop arrival process.
type PacingModel string

const (
	PacingUniform PacingModel = "uniform"
	PacingPoisson PacingModel = "poisson"
)

// Manager owns a pool of load workers and the shared load level.
type Manager interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// ChangeLoad resizes the worker pool and slot tracker. Only valid
	// between measurement windows.
	ChangeLoad(ctx context.Context, level Level) error
	// PollErrors drains worker-reported failures accumulated since the
	// previous poll.
	PollErrors() []error
	Level() Level
	// FatalError returns the first fatal worker failure, or nil.
	FatalError() error
	// Finished is closed once every worker has exited, which happens
	// at Stop or when a replayed timeline runs out.
	Finished() <-chan struct{}
}

// Options configure a manager. Client, Source and Collector are
// required; the rest defaults sensibly.
type Options struct {
	Kind    Kind
	Initial Level

	// Open-loop settings.
	Pacing      PacingModel
	MaxInFlight int // slot pool size for open-loop traffic
	OpenWorkers int // issuing goroutines sharing the pacer
	Timeline    []time.Duration

	// Periodic-step settings.
	Schedule         *Schedule
	ScheduleInterval time.Duration

	TrackerPolicy slots.Policy
	TrackerWindow int
	Seed          int64

	MaxConsecutiveFailures int
	GracePeriod            time.Duration

	Client    client.Client
	Source    dataset.Source
	Sequences *sequence.Manager
	Collector *records.Collector
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

func (o *Options) normalize() error {
	if o.Client == nil || o.Source == nil || o.Collector == nil {
		return errors.New("loadgen: client, source and collector are required")
	}
	if o.Kind == "" {
		o.Kind = KindConcurrency
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.ScheduleInterval <= 0 {
		o.ScheduleInterval = 100 * time.Millisecond
	}
	if o.OpenWorkers <= 0 {
		o.OpenWorkers = 4
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 256
	}
	switch o.Kind {
	case KindConcurrency, KindStep:
		if o.Initial.Concurrency <= 0 && o.Initial.Rate <= 0 {
			return errors.New("loadgen: initial level required")
		}
	case KindRate:
		if o.Initial.Rate <= 0 {
			return errors.New("loadgen: target rate must be positive")
		}
	case KindTimeline:
		if len(o.Timeline) == 0 {
			return errors.New("loadgen: timeline is empty")
		}
	default:
		return fmt.Errorf("loadgen: unknown manager kind %q", o.Kind)
	}
	if o.Kind == KindStep && o.Schedule == nil {
		return errors.New("loadgen: step manager requires a schedule")
	}
	return nil
}

type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type manager struct {
	opt   Options
	level loadLevel

	tracker  *slots.Tracker
	contexts atomic.Pointer[[]*ExecutionContext]
	pacer    pacer

	errs  chan error
	fatal atomic.Pointer[FatalError]
	log   *zap.Logger

	mu           sync.Mutex
	workers      []*workerHandle
	nextWorkerID int
	started      bool
	stopped      bool

	issueCtx       context.Context
	issueCancel    context.CancelFunc
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	inflight sync.WaitGroup
	active   sync.WaitGroup // worker goroutines
	finished chan struct{}

	scheduleDone chan struct{}
}

// NewManager builds the variant selected by opt.Kind.
func NewManager(opt Options) (Manager, error) {
	if err := opt.normalize(); err != nil {
		return nil, err
	}
	m := &manager{
		opt:      opt,
		errs:     make(chan error, 128),
		log:      opt.Logger,
		finished: make(chan struct{}),
	}
	m.level.Store(opt.Initial)
	return m, nil
}

func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("loadgen: manager already started")
	}
	m.started = true

	m.issueCtx, m.issueCancel = context.WithCancel(context.Background())
	m.dispatchCtx, m.dispatchCancel = context.WithCancel(context.Background())

	poolSize, workerCount, async := m.shape(m.opt.Initial)

	tracker, err := slots.New(slots.Options{
		Policy: m.opt.TrackerPolicy,
		Size:   poolSize,
		Window: m.opt.TrackerWindow,
		Seed:   m.opt.Seed,
	})
	if err != nil {
		return err
	}
	m.tracker = tracker
	m.storeContexts(m.buildContexts(poolSize))
	m.pacer = m.buildPacer()

	for i := 0; i < workerCount; i++ {
		m.spawnWorkerLocked(async)
	}

	// Close finished once the worker population drains to zero.
	go func() {
		m.active.Wait()
		m.inflight.Wait()
		close(m.finished)
	}()

	if m.opt.Kind == KindStep {
		m.scheduleDone = make(chan struct{})
		go m.runSchedule()
	}

	m.log.Info("load manager started",
		zap.String("kind", string(m.opt.Kind)),
		zap.String("level", m.opt.Initial.String()),
		zap.Int("slots", poolSize),
		zap.Int("workers", workerCount),
	)
	return nil
}

// shape maps a level onto pool size, worker count and loop mode.
func (m *manager) shape(level Level) (poolSize, workerCount int, async bool) {
	switch m.opt.Kind {
	case KindConcurrency:
		return level.Concurrency, level.Concurrency, false
	case KindStep:
		if m.opt.Initial.Rate > 0 {
			return m.opt.MaxInFlight, m.opt.OpenWorkers, true
		}
		n := level.Concurrency
		if peak := int(math.Ceil(m.opt.Schedule.MaxLevel())); peak > n {
			n = peak
		}
		return n, level.Concurrency, false
	default: // KindRate, KindTimeline
		return m.opt.MaxInFlight, m.opt.OpenWorkers, true
	}
}

func (m *manager) buildPacer() pacer {
	switch m.opt.Kind {
	case KindConcurrency:
		return nil
	case KindTimeline:
		return newTimelinePacer(m.opt.Timeline)
	case KindStep:
		if m.opt.Initial.Rate <= 0 {
			return nil
		}
	}
	if m.opt.Pacing == PacingPoisson {
		return newPoissonPacer(m.opt.Initial.Rate, m.opt.Seed)
	}
	return newUniformPacer(m.opt.Initial.Rate)
}

func (m *manager) buildContexts(n int) []*ExecutionContext {
	deps := &contextDeps{
		client:    m.opt.Client,
		source:    m.opt.Source,
		seqs:      m.opt.Sequences,
		collector: m.opt.Collector,
		tracer:    m.opt.Tracer,
	}
	ctxs := make([]*ExecutionContext, n)
	for i := range ctxs {
		ctxs[i] = newExecutionContext(i, deps)
	}
	return ctxs
}

func (m *manager) storeContexts(ctxs []*ExecutionContext) {
	m.contexts.Store(&ctxs)
}

func (m *manager) spawnWorkerLocked(async bool) {
	wctx, cancel := context.WithCancel(m.issueCtx)
	h := &workerHandle{cancel: cancel, done: make(chan struct{})}
	w := &worker{
		id:             m.nextWorkerID,
		tracker:        m.tracker,
		contexts:       &m.contexts,
		pacer:          m.pacer,
		async:          async,
		maxConsecutive: m.opt.MaxConsecutiveFailures,
		inflight:       &m.inflight,
		errs:           m.errs,
		fatal:          &m.fatal,
		log:            m.log,
		halt:           cancel,
		dispatchCtx:    m.dispatchCtx,
	}
	m.nextWorkerID++
	m.workers = append(m.workers, h)
	m.active.Add(1)
	go func() {
		defer m.active.Done()
		defer close(h.done)
		w.run(wctx)
	}()
}

func (m *manager) ChangeLoad(ctx context.Context, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return errors.New("loadgen: manager not running")
	}

	switch m.opt.Kind {
	case KindConcurrency:
		if level.Concurrency <= 0 {
			return fmt.Errorf("loadgen: concurrency must be positive, got %d", level.Concurrency)
		}
		if err := m.resizeConcurrencyLocked(ctx, level.Concurrency); err != nil {
			return err
		}
	case KindRate:
		if level.Rate <= 0 {
			return fmt.Errorf("loadgen: target rate must be positive, got %g", level.Rate)
		}
		m.pacer.SetRate(level.Rate)
	case KindStep:
		if m.opt.Initial.Rate > 0 {
			if level.Rate <= 0 {
				return fmt.Errorf("loadgen: target rate must be positive, got %g", level.Rate)
			}
			m.pacer.SetRate(level.Rate)
		} else {
			if level.Concurrency <= 0 {
				return fmt.Errorf("loadgen: concurrency must be positive, got %d", level.Concurrency)
			}
			if err := m.resizeConcurrencyLocked(ctx, level.Concurrency); err != nil {
				return err
			}
		}
	case KindTimeline:
		// The replayed offsets are the load level.
		m.log.Debug("ChangeLoad ignored for timeline manager")
		return nil
	}

	m.level.Store(level)
	m.log.Info("load level changed", zap.String("level", level.String()))
	return nil
}

// resizeConcurrencyLocked grows or shrinks slots, contexts and the
// closed-loop worker pool together, so observers see either the old
// or the new level in full.
func (m *manager) resizeConcurrencyLocked(ctx context.Context, n int) error {
	current := len(m.workers)
	if n == current {
		return nil
	}

	if n > current {
		// Grow contexts before the tracker publishes new ids.
		m.storeContexts(m.buildContexts(n))
		if err := m.tracker.Resize(ctx, n); err != nil {
			return err
		}
		for i := current; i < n; i++ {
			m.spawnWorkerLocked(false)
		}
		return nil
	}

	// Shrink: retire excess workers, then wait for their slots.
	for _, h := range m.workers[n:] {
		h.cancel()
	}
	retired := m.workers[n:]
	m.workers = m.workers[:n]
	if err := m.tracker.Resize(ctx, n); err != nil {
		return err
	}
	for _, h := range retired {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.storeContexts((*m.contexts.Load())[:n])
	return nil
}

func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	// Stop issuing new work; workers finish their current dispatch.
	m.issueCancel()
	if m.scheduleDone != nil {
		<-m.scheduleDone
	}

	grace := time.NewTimer(m.opt.GracePeriod)
	defer grace.Stop()
	select {
	case <-m.finished:
	case <-grace.C:
		// Grace expired: abandon in-flight requests. Each one still
		// terminates in an explicit abandonment record.
		m.log.Warn("grace period expired, abandoning in-flight requests",
			zap.Duration("grace", m.opt.GracePeriod))
		m.dispatchCancel()
		select {
		case <-m.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		m.dispatchCancel()
		return ctx.Err()
	}

	m.dispatchCancel()
	m.tracker.Close()
	if m.opt.Sequences != nil {
		m.opt.Sequences.Close()
	}
	m.log.Info("load manager stopped")
	return nil
}

func (m *manager) PollErrors() []error {
	var out []error
	for {
		select {
		case err := <-m.errs:
			out = append(out, err)
		default:
			return out
		}
	}
}

func (m *manager) Level() Level {
	return m.level.Load()
}

func (m *manager) FatalError() error {
	if f := m.fatal.Load(); f != nil {
		return f
	}
	return nil
}

func (m *manager) Finished() <-chan struct{} {
	return m.finished
}

// runSchedule applies the periodic-step plan on its wall-clock
// schedule. It is the only load-level writer in step mode; the
// profiler runs a plain sweep alongside it.
func (m *manager) runSchedule() {
	defer close(m.scheduleDone)

	start := time.Now()
	ticker := time.NewTicker(m.opt.ScheduleInterval)
	defer ticker.Stop()

	last := m.opt.Initial
	for {
		select {
		case <-m.issueCtx.Done():
			return
		case <-ticker.C:
			value, ok := m.opt.Schedule.LevelAt(time.Since(start))
			if !ok {
				m.log.Info("step schedule exhausted")
				m.issueCancel()
				return
			}
			next := last
			if m.opt.Initial.Rate > 0 {
				next.Rate = value
			} else {
				next.Concurrency = int(math.Round(value))
			}
			if next == last {
				continue
			}
			stepCtx, cancel := context.WithTimeout(context.Background(), m.opt.ScheduleInterval*10)
			if err := m.ChangeLoad(stepCtx, next); err != nil {
				m.log.Warn("step change failed", zap.Error(err))
			} else {
				last = next
			}
			cancel()
		}
	}
}
