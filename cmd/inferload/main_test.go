package main

import (
	"strings"
	"testing"

	"github.com/inferload/inferload/internal/config"
	"github.com/inferload/inferload/internal/loadgen"
)

func TestRunHelpExitsCleanly(t *testing.T) {
	if err := run([]string{"--help"}); err != nil {
		t.Errorf("Expected help to exit cleanly, got %v", err)
	}
	if err := run(nil); err != nil {
		t.Errorf("Expected bare invocation to print help, got %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run([]string{"--target", "http://localhost:8000", "--backend", "carrier-pigeon"})
	if err == nil {
		t.Fatal("Expected validation failure")
	}
	if !strings.Contains(err.Error(), "backend") {
		t.Errorf("Expected the backend to be named, got %v", err)
	}
}

func TestRunRejectsBadConstraint(t *testing.T) {
	err := run([]string{
		"--target", "http://localhost:8000",
		"-m", "llama-3",
		"--constraint", "p99>50ms",
	})
	if err == nil {
		t.Fatal("Expected constraint parse failure")
	}
	if !strings.Contains(err.Error(), "constraint") {
		t.Errorf("Expected a constraint error, got %v", err)
	}
}

func TestPoolCeiling(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want int
	}{
		{
			name: "concurrency uses max level",
			cfg:  config.Config{Dimension: config.DimensionConcurrency, MaxLevel: 32},
			want: 32,
		},
		{
			name: "concurrency default",
			cfg:  config.Config{Dimension: config.DimensionConcurrency},
			want: defaultMaxConcurrency,
		},
		{
			name: "sweep levels raise the ceiling",
			cfg:  config.Config{Dimension: config.DimensionConcurrency, MaxLevel: 8, Levels: []float64{4, 64}},
			want: 64,
		},
		{
			name: "rate uses max in flight",
			cfg:  config.Config{Dimension: config.DimensionRate, MaxInFlight: 128},
			want: 128,
		},
		{
			name: "rate default",
			cfg:  config.Config{Dimension: config.DimensionRate},
			want: defaultMaxConcurrency,
		},
	}
	for _, tc := range cases {
		if got := poolCeiling(&tc.cfg); got != tc.want {
			t.Errorf("%s: poolCeiling = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestInitialLevel(t *testing.T) {
	cfg := &config.Config{Dimension: config.DimensionConcurrency, MinLevel: 4}
	if lvl := initialLevel(cfg, nil); lvl.Concurrency != 4 {
		t.Errorf("Expected concurrency 4, got %+v", lvl)
	}

	cfg = &config.Config{Dimension: config.DimensionRate, Mode: config.ModeSweep, Levels: []float64{12, 24}}
	if lvl := initialLevel(cfg, nil); lvl.Rate != 12 {
		t.Errorf("Expected rate 12 from the first sweep level, got %+v", lvl)
	}

	cfg = &config.Config{Dimension: config.DimensionConcurrency}
	if lvl := initialLevel(cfg, nil); lvl.Concurrency != 1 {
		t.Errorf("Expected floor of 1, got %+v", lvl)
	}

	sched := loadgen.CompileSchedule([]loadgen.Step{{Level: 9, Duration: 1e9}})
	cfg = &config.Config{Dimension: config.DimensionConcurrency, MinLevel: 2}
	if lvl := initialLevel(cfg, sched); lvl.Concurrency != 9 {
		t.Errorf("Expected the schedule's opening level 9, got %+v", lvl)
	}
}
