package profiler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inferload/inferload/internal/constraint"
	"github.com/inferload/inferload/internal/loadgen"
	"github.com/inferload/inferload/internal/profiler"
	"github.com/inferload/inferload/internal/records"
)

// fakeManager synthesizes a backend whose latency is a deterministic
// function of the current load level, pumping records into the shared
// collector on a steady tick.
type fakeManager struct {
	mu         sync.Mutex
	level      loadgen.Level
	changes    []float64
	fatal      error
	coll       *records.Collector
	latencyFor func(level float64) time.Duration
	failAll    bool

	finished chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

func newFakeManager(coll *records.Collector, latencyFor func(float64) time.Duration) *fakeManager {
	return &fakeManager{
		coll:       coll,
		latencyFor: latencyFor,
		finished:   make(chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *fakeManager) Start(ctx context.Context) error {
	go m.pump()
	return nil
}

func (m *fakeManager) Stop(ctx context.Context) error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
	return nil
}

func (m *fakeManager) ChangeLoad(ctx context.Context, level loadgen.Level) error {
	m.mu.Lock()
	m.level = level
	m.changes = append(m.changes, level.Value())
	m.mu.Unlock()
	return nil
}

func (m *fakeManager) PollErrors() []error { return nil }

func (m *fakeManager) Level() loadgen.Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *fakeManager) FatalError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *fakeManager) Finished() <-chan struct{} { return m.finished }

func (m *fakeManager) triedLevels() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.changes...)
}

func (m *fakeManager) pump() {
	defer close(m.done)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			if m.failAll {
				m.coll.Record(records.RequestRecord{
					Sent: now,
					Err:  errors.New("backend unavailable"),
				})
				continue
			}
			lat := m.latencyFor(m.Level().Value())
			m.coll.Record(records.RequestRecord{
				Sent:     now,
				Received: []time.Time{now.Add(lat)},
				Tokens:   4,
			})
		}
	}
}

// latency grows 30ms per level, so a p99<100ms constraint flips
// between level 3 (90ms) and level 4 (120ms).
func steppedLatency(level float64) time.Duration {
	return time.Duration(level*30) * time.Millisecond
}

func testOptions(m *fakeManager, coll *records.Collector) profiler.Options {
	return profiler.Options{
		Manager:            m,
		Collector:          coll,
		WindowDuration:     100 * time.Millisecond,
		StabilityTolerance: 0.5,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := profiler.New(profiler.Options{}); err == nil {
		t.Error("Expected error without manager and collector")
	}

	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)
	opt := testOptions(m, coll)
	opt.MinLevel = 10
	opt.MaxLevel = 5
	if _, err := profiler.New(opt); err == nil {
		t.Error("Expected error when max level is below min level")
	}
}

func TestSearchConvergesOnConstraintBoundary(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)
	c, _ := constraint.Parse("p99<100ms")

	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSearch
	opt.MinLevel = 1
	opt.MaxLevel = 8
	opt.StepLevel = 2
	opt.Precision = 1
	opt.Constraint = &c

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	out := p.Run(context.Background())
	if out.FatalError != nil {
		t.Fatalf("Run failed: %v", out.FatalError)
	}

	// Ascent 1, 3, 5 violates at 5; bisection tries 4 and stops at
	// bracket width 1.
	want := []float64{1, 3, 5, 4}
	got := m.triedLevels()
	if len(got) != len(want) {
		t.Fatalf("Expected levels %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected levels %v, got %v", want, got)
		}
	}

	if out.Boundary == nil {
		t.Fatal("Expected a boundary level")
	}
	if out.Boundary.Level != 3 {
		t.Errorf("Expected boundary at level 3, got %g", out.Boundary.Level)
	}
	for _, lr := range out.Levels {
		wantSat := lr.Level <= 3
		if lr.Satisfied != wantSat {
			t.Errorf("Level %g satisfied = %v, want %v (p99 %v)",
				lr.Level, lr.Satisfied, wantSat, lr.Stats.P99Latency)
		}
	}
}

func TestSearchWithoutConstraintWalksFullRange(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)

	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSearch
	opt.MinLevel = 1
	opt.MaxLevel = 3
	opt.StepLevel = 1

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	out := p.Run(context.Background())
	if out.FatalError != nil {
		t.Fatalf("Run failed: %v", out.FatalError)
	}
	if len(out.Levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(out.Levels))
	}
	for _, lr := range out.Levels {
		if !lr.Satisfied {
			t.Errorf("Level %g should be satisfied without a constraint", lr.Level)
		}
	}
	if out.Boundary == nil || out.Boundary.Level != 3 {
		t.Errorf("Expected boundary at the highest level 3, got %+v", out.Boundary)
	}
}

func TestSweepMeasuresEveryConfiguredLevel(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)

	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSweep
	opt.Levels = []float64{2, 4}

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	results, err := p.Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 level results, got %d", len(results))
	}
	if results[0].Level != 2 || results[1].Level != 4 {
		t.Errorf("Expected levels [2 4], got [%g %g]", results[0].Level, results[1].Level)
	}
	for _, lr := range results {
		if lr.Stats.Total == 0 {
			t.Errorf("Level %g collected no requests", lr.Level)
		}
	}
}

func TestOnLevelObservesEachResult(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)

	var mu sync.Mutex
	var seen []float64
	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSweep
	opt.Levels = []float64{2, 4}
	opt.OnLevel = func(lr *profiler.LevelResult) {
		mu.Lock()
		seen = append(seen, lr.Level)
		mu.Unlock()
	}

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	if _, err := p.Profile(context.Background()); err != nil {
		t.Fatalf("Profile failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 4 {
		t.Errorf("Expected the hook to see levels [2 4], got %v", seen)
	}
}

func TestSweepRunClosesOnManagerFinish(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)
	m.level = loadgen.Level{Rate: 7}

	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSweep

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	go func() {
		time.Sleep(150 * time.Millisecond)
		close(m.finished)
	}()

	results, err := p.Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected a single spanning window, got %d results", len(results))
	}
	if results[0].Level != 7 {
		t.Errorf("Expected the manager's level 7, got %g", results[0].Level)
	}
	if results[0].Stats.Total == 0 {
		t.Error("Spanning window collected no requests")
	}
}

func TestManagerFatalAbortsRun(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)
	m.fatal = errors.New("workers halted")

	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSearch
	opt.MinLevel = 1
	opt.MaxLevel = 5

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	results, err := p.Profile(context.Background())
	if err == nil {
		t.Fatal("Expected a fatal error")
	}
	if len(results) != 0 {
		t.Errorf("Expected no completed levels, got %d", len(results))
	}
}

func TestErrorRateCeilingAbortsRun(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)
	m.failAll = true

	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSearch
	opt.MinLevel = 1
	opt.MaxLevel = 5
	opt.ErrorRateCeiling = 0.5

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	if _, err := p.Profile(context.Background()); err == nil {
		t.Fatal("Expected the error-rate ceiling to abort the run")
	}
}

func TestCanceledRunKeepsCompletedLevels(t *testing.T) {
	coll := records.NewCollector()
	m := newFakeManager(coll, steppedLatency)

	opt := testOptions(m, coll)
	opt.Mode = profiler.ModeSearch
	opt.MinLevel = 1
	opt.MaxLevel = 50

	p, err := profiler.New(opt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(600 * time.Millisecond)
		cancel()
	}()

	results, err := p.Profile(ctx)
	if err != nil {
		t.Fatalf("Interrupted run with completed levels should not error, got %v", err)
	}
	if len(results) == 0 {
		t.Error("Expected at least one completed level before the cancel")
	}
}
