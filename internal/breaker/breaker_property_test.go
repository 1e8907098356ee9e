package breaker

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Calls up to the threshold are admitted and every call beyond it trips.
func TestCallCountThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("first max calls admitted, rest trip", prop.ForAll(
		func(limit int, attempts int) bool {
			b := New(Thresholds{MaxCalls: int64(limit)})
			for i := 1; i <= attempts; i++ {
				a := b.Admit("R", CallCount, 1)
				if i <= limit && a.Tripped {
					return false
				}
				if i > limit && !a.Tripped {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 40),
	))

	properties.Property("counters never decrease", prop.ForAll(
		func(increments []int64) bool {
			b := New(Thresholds{})
			var last int64
			for _, n := range increments {
				b.Record("R", TokenBudget, n)
				cur := b.Snapshot("R").Tokens
				if cur < last {
					return false
				}
				last = cur
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-100, 100)),
	))

	properties.Property("admitted tokens never exceed max tokens", prop.ForAll(
		func(limit int64, increments []int64) bool {
			b := New(Thresholds{MaxTokens: limit})
			for _, n := range increments {
				before := b.Snapshot("R").Tokens
				a := b.Admit("R", TokenBudget, n)
				after := b.Snapshot("R").Tokens
				if after > limit {
					return false
				}
				if a.Tripped != (before+n > limit) || (a.Tripped && after != before) {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 500),
		gen.SliceOf(gen.Int64Range(1, 200)),
	))

	properties.TestingRun(t)
}
