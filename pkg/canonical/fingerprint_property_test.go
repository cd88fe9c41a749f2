//go:build property
// +build property

// Package canonical_test contains property-based tests for fingerprint determinism.
package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dawsos-labs/dawsos/core/pkg/canonical"
)

// TestFingerprintDeterminism verifies fingerprints are stable across calls.
// Property: Fingerprint(c, m, p) == Fingerprint(c, m, p) for any c, m, p
func TestFingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is deterministic", prop.ForAll(
		func(capability string, keys []string, values []float64, packID string) bool {
			inputs := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					inputs[keys[i]] = values[i]
				}
			}

			f1, err1 := canonical.Fingerprint(capability, inputs, packID)
			f2, err2 := canonical.Fingerprint(capability, inputs, packID)

			if err1 != nil && err2 != nil {
				return true // Both fail consistently
			}
			if err1 != nil || err2 != nil {
				return false
			}
			return f1 == f2
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Float64Range(-1e9, 1e9)),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestFingerprintPackSeparation verifies distinct pricing packs never collide.
// Property: packA != packB => Fingerprint(c, m, packA) != Fingerprint(c, m, packB)
func TestFingerprintPackSeparation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct packs yield distinct fingerprints", prop.ForAll(
		func(capability, packA, packB string) bool {
			if packA == packB {
				return true
			}
			inputs := map[string]any{"portfolio_id": "p1"}

			fA, errA := canonical.Fingerprint(capability, inputs, packA)
			fB, errB := canonical.Fingerprint(capability, inputs, packB)
			if errA != nil || errB != nil {
				return true
			}
			return fA != fB
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
