// Package constraint parses and evaluates latency-constraint
// expressions that drive the boundary search and the post-run
// pass/fail verdict.
package constraint

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/inferload/inferload/internal/records"
)

// Constraint is a bound on one latency aggregate of a measurement
// window, such as "p99 < 50ms" or "mean <= 200ms".
type Constraint struct {
	Aggregate string        // "p50", "p90", "p95", "p99", "mean", "ttft"
	Operator  string        // "<" or "<="
	Value     time.Duration // the latency bound
	Raw       string        // original expression for display
}

// Percentile returns the numeric quantile the constraint targets, 0
// for the mean.
func (c Constraint) Percentile() float64 {
	switch c.Aggregate {
	case "p50":
		return 50
	case "p90":
		return 90
	case "p95":
		return 95
	case "mean", "avg":
		return 0
	default:
		return 99
	}
}

// Satisfied evaluates the constraint against window statistics.
func (c Constraint) Satisfied(stats records.WindowStats) bool {
	var actual time.Duration
	if c.Aggregate == "ttft" {
		actual = stats.P99TimeToFirst
	} else {
		actual = stats.Percentile(c.Percentile())
	}
	if c.Operator == "<=" {
		return actual <= c.Value
	}
	return actual < c.Value
}

func (c Constraint) String() string {
	if c.Raw != "" {
		return c.Raw
	}
	return fmt.Sprintf("%s%s%s", c.Aggregate, c.Operator, c.Value)
}

var exprPattern = regexp.MustCompile(`^([a-z0-9]+)\s*(<=|<)\s*([0-9]+(?:\.[0-9]+)?(?:ns|us|µs|ms|s|m)?)$`)

// Parse reads an expression of the form "aggregate < duration".
// A bare number is interpreted as milliseconds.
func Parse(s string) (Constraint, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" {
		return Constraint{}, fmt.Errorf("empty constraint expression")
	}

	matches := exprPattern.FindStringSubmatch(trimmed)
	if matches == nil {
		return Constraint{}, fmt.Errorf("invalid constraint %q (expected e.g. 'p99<50ms' or 'mean<=200ms')", s)
	}

	aggregate := matches[1]
	if !isValidAggregate(aggregate) {
		return Constraint{}, fmt.Errorf("unsupported aggregate %q (supported: p50, p90, p95, p99, mean, avg, ttft)", aggregate)
	}

	value, err := parseDuration(matches[3])
	if err != nil {
		return Constraint{}, fmt.Errorf("invalid constraint value %q: %w", matches[3], err)
	}
	if value <= 0 {
		return Constraint{}, fmt.Errorf("constraint value must be positive, got %s", value)
	}

	return Constraint{
		Aggregate: aggregate,
		Operator:  matches[2],
		Value:     value,
		Raw:       s,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	// Bare numbers are milliseconds.
	d, err := time.ParseDuration(s + "ms")
	if err != nil {
		return 0, err
	}
	return d, nil
}

func isValidAggregate(aggregate string) bool {
	switch aggregate {
	case "p50", "p90", "p95", "p99", "mean", "avg", "ttft":
		return true
	}
	return false
}
