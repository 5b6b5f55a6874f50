// Package hp implements the token-pressure health model.
//
// Health is derived from per-turn input tokens against the context window,
// not from cumulative counters: cumulative totals are accounting, and
// failure-loop invocations inflate them without saying anything about how
// much room the agent has left.
package hp

import "math"

// Health states.
const (
	StateHealthy  = "healthy"  // > 50%
	StateWounded  = "wounded"  // 25-50%
	StateCritical = "CRITICAL" // <= 25%
	StateUnknown  = "unknown"  // no telemetry source
)

// Compute returns the HP percentage for a turn. Usage saturates at the
// denominator, so hp never goes negative.
func Compute(turnInput, denom int64) int {
	if denom <= 0 {
		return 0
	}
	used := turnInput
	if used > denom {
		used = denom
	}
	if used < 0 {
		used = 0
	}
	pct := 100 - math.Round(float64(used)/float64(denom)*100)
	if pct < 0 {
		pct = 0
	}
	return int(pct)
}

// State buckets a percentage.
func State(pct int) string {
	switch {
	case pct > 50:
		return StateHealthy
	case pct > 25:
		return StateWounded
	default:
		return StateCritical
	}
}
