// Package shitest provides generators used by shi's property-based tests:
// randomized ProviderData payloads (via google/gofuzz, the same library
// the pack's fuzz-target examples build on) and fixed-width SKey material
// for exercising Predicates.
package shitest

import (
	"math/rand"

	fuzz "github.com/google/gofuzz"
)

// Payload is a representative ProviderData shape: enough fields for a
// handful of independent Predicates to each project out a different one.
type Payload struct {
	Owner   string
	Tag     string
	Balance int64
	Active  bool
}

// NewFuzzer returns a gofuzz Fuzzer seeded deterministically, configured to
// never emit nil slices/maps/pointers so generated Payloads need no extra
// nil-checking in test bodies.
func NewFuzzer(seed int64) *fuzz.Fuzzer {
	return fuzz.NewWithSeed(seed).NilChance(0).NumElements(1, 3)
}

// RandomPayload fills and returns one Payload.
func RandomPayload(f *fuzz.Fuzzer) Payload {
	var p Payload
	f.Fuzz(&p)
	return p
}

// FixedKey deterministically folds s into exactly size bytes: truncated if
// longer, zero-padded if shorter. Predicates must hand SubsetHashIndex
// keys of the Group's configured width.
func FixedKey(s string, size int) []byte {
	key := make([]byte, size)
	copy(key, s)
	return key
}

// RandomKey returns size random bytes from rng, for tests that want keys
// with no relation to a Payload field.
func RandomKey(rng *rand.Rand, size int) []byte {
	key := make([]byte, size)
	rng.Read(key)
	return key
}
