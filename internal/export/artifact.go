// Package export renders run results for people and for files: a
// console summary and a JSON artifact suitable for diffing runs.
package export

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/inferload/inferload/internal/profiler"
	"github.com/inferload/inferload/internal/records"
	"github.com/inferload/inferload/internal/telemetry"
)

// LevelReport is the exported view of one measured load level.
type LevelReport struct {
	Level     string              `json:"level"`
	Stable    bool                `json:"stable"`
	Satisfied bool                `json:"satisfied"`
	Windows   int                 `json:"windows"`
	Stats     records.WindowStats `json:"stats"`
}

// Artifact is the complete JSON export of one run.
type Artifact struct {
	RunID      string             `json:"run_id"`
	Version    string             `json:"version,omitempty"`
	Mode       string             `json:"mode"`
	Constraint string             `json:"constraint,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Levels     []LevelReport      `json:"levels"`
	Boundary   *LevelReport       `json:"boundary,omitempty"`
	Telemetry  []telemetry.Series `json:"telemetry,omitempty"`
	FatalError string             `json:"fatal_error,omitempty"`
}

// NewRunID returns a lexicographically sortable run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// BuildArtifact assembles the export from a finished profile.
func BuildArtifact(runID, version string, outcome *profiler.Outcome, series []telemetry.Series, started, finished time.Time) *Artifact {
	art := &Artifact{
		RunID:      runID,
		Version:    version,
		Mode:       string(outcome.Mode),
		StartedAt:  started,
		FinishedAt: finished,
		Telemetry:  series,
	}
	if outcome.Constraint != nil {
		art.Constraint = outcome.Constraint.Raw
	}
	for _, lr := range outcome.Levels {
		art.Levels = append(art.Levels, levelReport(lr, outcome.RateDimension))
	}
	if outcome.Boundary != nil {
		b := levelReport(outcome.Boundary, outcome.RateDimension)
		art.Boundary = &b
	}
	if outcome.FatalError != nil {
		art.FatalError = outcome.FatalError.Error()
	}
	return art
}

func levelReport(lr *profiler.LevelResult, rate bool) LevelReport {
	return LevelReport{
		Level:     FormatLevel(lr.Level, rate),
		Stable:    lr.Stable,
		Satisfied: lr.Satisfied,
		Windows:   lr.Windows,
		Stats:     lr.Stats,
	}
}

// FormatLevel renders a numeric load level with its dimension.
func FormatLevel(v float64, rate bool) string {
	if rate {
		return fmt.Sprintf("%g req/s", v)
	}
	return fmt.Sprintf("concurrency %d", int(v))
}

// WriteArtifact writes the artifact as indented JSON. The write is
// guarded by a sibling lock file so concurrent runs pointed at the
// same path cannot interleave.
func WriteArtifact(path string, art *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock artifact file: %w", err)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(art); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
