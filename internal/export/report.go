package export

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/inferload/inferload/internal/profiler"
	"github.com/inferload/inferload/internal/records"
	"github.com/inferload/inferload/internal/telemetry"
)

// PrintReport writes the human-readable run summary.
func PrintReport(w io.Writer, art *Artifact) {
	fmt.Fprintln(w, "\n--- Inference Profile Results ---")
	fmt.Fprintf(w, "Run ID:            %s\n", art.RunID)
	fmt.Fprintf(w, "Mode:              %s\n", art.Mode)
	if art.Constraint != "" {
		fmt.Fprintf(w, "Target:            %s\n", art.Constraint)
	}
	fmt.Fprintf(w, "Duration:          %s\n", art.FinishedAt.Sub(art.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "Levels Measured:   %d\n", len(art.Levels))

	if art.Boundary != nil {
		fmt.Fprintf(w, "\nHighest sustainable load: %s\n", art.Boundary.Level)
	} else if art.Mode == "search" {
		fmt.Fprintln(w, "\nNo sustainable load found within the searched range.")
	}

	if len(art.Levels) > 0 {
		fmt.Fprintln(w, "\nPer-Level Summary:")
		printLevelTable(w, art.Levels)
	}
	if art.Boundary != nil {
		fmt.Fprintln(w, "\nBoundary Level Detail:")
		printStats(w, art.Boundary.Stats)
	}
	if len(art.Telemetry) > 0 {
		fmt.Fprintln(w, "\nServer Telemetry:")
		printTelemetry(w, art.Telemetry)
	}
	if art.FatalError != "" {
		fmt.Fprintf(w, "\nRun ended early: %s\n", art.FatalError)
	}
}

func printLevelTable(w io.Writer, levels []LevelReport) {
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s %10s %8s\n",
		"Level", "Requests", "RPS", "p50", "p90", "p99", "OK")
	for _, lr := range levels {
		ok := "yes"
		if !lr.Satisfied {
			ok = "no"
		}
		if !lr.Stable {
			ok += "*"
		}
		fmt.Fprintf(w, "  %-16s %10d %10.2f %10s %10s %10s %8s\n",
			lr.Level,
			lr.Stats.Total,
			lr.Stats.RequestsPerSec,
			lr.Stats.P50Latency.Round(time.Microsecond),
			lr.Stats.P90Latency.Round(time.Microsecond),
			lr.Stats.P99Latency.Round(time.Microsecond),
			ok,
		)
	}
	for _, lr := range levels {
		if !lr.Stable {
			fmt.Fprintln(w, "  * level did not stabilize; figures are best effort")
			break
		}
	}
}

func printStats(w io.Writer, s records.WindowStats) {
	fmt.Fprintf(w, "  Requests:        %d (%d failed", s.Total, s.Failures)
	if s.Abandoned > 0 {
		fmt.Fprintf(w, ", %d abandoned", s.Abandoned)
	}
	fmt.Fprintln(w, ")")
	fmt.Fprintf(w, "  Throughput:      %.2f req/s\n", s.RequestsPerSec)
	if s.TokensPerSec > 0 {
		fmt.Fprintf(w, "  Tokens/sec:      %.2f\n", s.TokensPerSec)
	}
	fmt.Fprintln(w, "  Latency:")
	fmt.Fprintf(w, "    Min:           %s\n", s.MinLatency)
	fmt.Fprintf(w, "    Mean:          %s\n", s.MeanLatency)
	fmt.Fprintf(w, "    P50:           %s\n", s.P50Latency)
	fmt.Fprintf(w, "    P90:           %s\n", s.P90Latency)
	fmt.Fprintf(w, "    P99:           %s\n", s.P99Latency)
	fmt.Fprintf(w, "    Max:           %s\n", s.MaxLatency)
	if s.P99TimeToFirst > 0 {
		fmt.Fprintln(w, "  Time To First Response:")
		fmt.Fprintf(w, "    Mean:          %s\n", s.MeanTimeToFirst)
		fmt.Fprintf(w, "    P99:           %s\n", s.P99TimeToFirst)
	}
	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "  Errors:")
		names := make([]string, 0, len(s.Errors))
		for name := range s.Errors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "    %s: %d\n", name, s.Errors[name])
		}
	}
}

func printTelemetry(w io.Writer, series []telemetry.Series) {
	for _, s := range series {
		label := s.Name
		if s.Labels != "" {
			label += "{" + s.Labels + "}"
		}
		if len(label) > 48 {
			label = label[:45] + "..."
		}
		fmt.Fprintf(w, "  %-48s avg=%.2f min=%.2f max=%.2f p99=%.2f\n",
			label, s.Avg, s.Min, s.Max, s.P99)
	}
}

// PrintJSON writes the artifact as indented JSON to w.
func PrintJSON(w io.Writer, art *Artifact) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(art)
}

// Describe renders a one-line view of a measured level for progress
// logging while the run is still going.
func Describe(lr *profiler.LevelResult, rate bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "level=%s rps=%.2f p99=%s", FormatLevel(lr.Level, rate), lr.Stats.RequestsPerSec, lr.Stats.P99Latency.Round(time.Microsecond))
	if !lr.Stable {
		b.WriteString(" unstable")
	}
	if !lr.Satisfied {
		b.WriteString(" over-target")
	}
	return b.String()
}
