package sequence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inferload/inferload/internal/sequence"
)

func newManager(t *testing.T, opt sequence.Options) *sequence.Manager {
	t.Helper()
	m, err := sequence.NewManager(opt)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestNewManagerRejectsNonPositiveMaxLive(t *testing.T) {
	if _, err := sequence.NewManager(sequence.Options{MaxLive: 0}); err == nil {
		t.Error("Expected error for MaxLive 0")
	}
}

func TestSequenceStartAndEndFlags(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 4,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 3},
	})
	defer m.Close()

	ctx := context.Background()

	b, err := m.Bind(ctx, 0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if !b.Start || b.End {
		t.Errorf("First binding should have Start and not End, got Start=%v End=%v", b.Start, b.End)
	}
	if b.Remaining != 2 {
		t.Errorf("Expected 2 remaining after first bind, got %d", b.Remaining)
	}
	id := b.CorrelationID

	b, err = m.Bind(ctx, 0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if b.Start || b.End {
		t.Errorf("Middle binding should have neither flag, got Start=%v End=%v", b.Start, b.End)
	}
	if b.CorrelationID != id {
		t.Errorf("Continuation should keep correlation id %d, got %d", id, b.CorrelationID)
	}

	b, err = m.Bind(ctx, 0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if b.Start || !b.End {
		t.Errorf("Last binding should have End and not Start, got Start=%v End=%v", b.Start, b.End)
	}
	if b.Remaining != 0 {
		t.Errorf("Expected 0 remaining on last bind, got %d", b.Remaining)
	}
}

func TestSingleRequestSequenceHasBothFlags(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 1},
	})
	defer m.Close()

	b, err := m.Bind(context.Background(), 0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if !b.Start || !b.End {
		t.Errorf("Single-request sequence should set both flags, got Start=%v End=%v", b.Start, b.End)
	}
	if m.Live() != 0 {
		t.Errorf("Single-request sequence should not stay live, got %d live", m.Live())
	}
}

func TestDistinctSlotsGetDistinctCorrelationIDs(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 4,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 5},
	})
	defer m.Close()

	ctx := context.Background()
	seen := make(map[uint64]int)
	for slot := 0; slot < 4; slot++ {
		b, err := m.Bind(ctx, slot)
		if err != nil {
			t.Fatalf("Bind slot %d failed: %v", slot, err)
		}
		if prev, dup := seen[b.CorrelationID]; dup {
			t.Errorf("Correlation id %d bound to both slot %d and slot %d", b.CorrelationID, prev, slot)
		}
		seen[b.CorrelationID] = slot
	}
	if m.Live() != 4 {
		t.Errorf("Expected 4 live sequences, got %d", m.Live())
	}
}

func TestExhaustedPoolFailsFastWithoutBlock(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 2},
	})
	defer m.Close()

	ctx := context.Background()
	if _, err := m.Bind(ctx, 0); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := m.Bind(ctx, 1); !errors.Is(err, sequence.ErrExhausted) {
		t.Errorf("Expected ErrExhausted for second sequence, got %v", err)
	}
}

func TestExhaustedPoolBlocksUntilSequenceEnds(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Block:   true,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 2},
	})
	defer m.Close()

	ctx := context.Background()
	first, err := m.Bind(ctx, 0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	got := make(chan sequence.Binding, 1)
	go func() {
		b, err := m.Bind(ctx, 1)
		if err != nil {
			t.Errorf("Blocked Bind failed: %v", err)
			return
		}
		got <- b
	}()

	select {
	case <-got:
		t.Fatal("Bind should block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	// Finish the first sequence to release its id.
	if _, err := m.Bind(ctx, 0); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	select {
	case b := <-got:
		if b.CorrelationID != first.CorrelationID {
			t.Errorf("Expected reuse of released id %d, got %d", first.CorrelationID, b.CorrelationID)
		}
		if !b.Start {
			t.Error("Reused id should start a fresh sequence")
		}
	case <-time.After(time.Second):
		t.Fatal("Bind did not wake after the id was released")
	}
}

func TestBlockedBindHonorsContextCancel(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Block:   true,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 2},
	})
	defer m.Close()

	if _, err := m.Bind(context.Background(), 0); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Bind(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestAbortReleasesCorrelationID(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 10},
	})
	defer m.Close()

	ctx := context.Background()
	first, err := m.Bind(ctx, 0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	m.Abort(0)
	if m.Live() != 0 {
		t.Errorf("Expected no live sequences after Abort, got %d", m.Live())
	}

	b, err := m.Bind(ctx, 1)
	if err != nil {
		t.Fatalf("Bind after Abort failed: %v", err)
	}
	if b.CorrelationID != first.CorrelationID {
		t.Errorf("Expected reuse of aborted id %d, got %d", first.CorrelationID, b.CorrelationID)
	}
}

func TestAbortUnknownSlotIsNoop(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 2},
	})
	defer m.Close()
	m.Abort(42)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Block:   true,
		Length:  sequence.Distribution{Kind: sequence.DistConstant, Mean: 2},
	})

	if _, err := m.Bind(context.Background(), 0); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Bind(context.Background(), 1)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, sequence.ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Bind did not unblock on Close")
	}

	if _, err := m.Bind(context.Background(), 2); !errors.Is(err, sequence.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestUniformLengthStaysInBounds(t *testing.T) {
	m := newManager(t, sequence.Options{
		MaxLive: 1,
		Length:  sequence.Distribution{Kind: sequence.DistUniform, Min: 2, Max: 4},
		Seed:    7,
	})
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		b, err := m.Bind(ctx, 0)
		if err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		length := b.Remaining + 1
		if length < 2 || length > 4 {
			t.Fatalf("Sampled length %d outside [2, 4]", length)
		}
		// Drain the sequence so the next iteration starts a new one.
		for !b.End {
			if b, err = m.Bind(ctx, 0); err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
		}
	}
}
