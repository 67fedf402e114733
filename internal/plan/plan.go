// Package plan resolves subscription tiers into concrete resource limits and
// restart policy. This table is the single source of truth: no other
// component hard-codes policy.
package plan

import "fmt"

type Plan string

const (
	Free    Plan = "free"
	Starter Plan = "starter"
	Pro     Plan = "pro"
)

// Limits are the concrete resources and recovery policy for one tier.
type Limits struct {
	MemoryBytes            int64
	CPUShare               float64
	DailyTokenBudget       int64
	MaxConsecutiveRestarts int
	// StopsOnExhaustion stops the container and marks the tenant
	// stopped_exhausted when the restart budget runs out. When false the
	// watchdog alerts once and keeps retrying indefinitely.
	StopsOnExhaustion bool
}

const mib = 1 << 20

var limits = map[Plan]Limits{
	Free: {
		MemoryBytes:            256 * mib,
		CPUShare:               0.25,
		DailyTokenBudget:       1_000_000,
		MaxConsecutiveRestarts: 3,
		StopsOnExhaustion:      true,
	},
	Starter: {
		MemoryBytes:            512 * mib,
		CPUShare:               0.5,
		DailyTokenBudget:       5_000_000,
		MaxConsecutiveRestarts: 3,
		StopsOnExhaustion:      false,
	},
	Pro: {
		MemoryBytes:            1024 * mib,
		CPUShare:               1.0,
		DailyTokenBudget:       20_000_000,
		MaxConsecutiveRestarts: 3,
		StopsOnExhaustion:      false,
	},
}

// Valid reports whether p names a known tier.
func Valid(p Plan) bool {
	_, ok := limits[p]
	return ok
}

// LimitsFor maps a tier to its limits. Unknown tiers fall back to the free
// tier so a corrupt record can never grant unbounded resources.
func LimitsFor(p Plan) Limits {
	l, ok := limits[p]
	if !ok {
		return limits[Free]
	}
	return l
}

// Parse validates a raw plan string.
func Parse(s string) (Plan, error) {
	p := Plan(s)
	if !Valid(p) {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}
