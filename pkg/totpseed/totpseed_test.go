package totpseed

import (
	"encoding/base32"
	"testing"
)

func TestGenerateProducesDecodableUniqueSeeds(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seed, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if seed == "" {
			t.Fatalf("expected non-empty seed")
		}
		raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(seed)
		if err != nil || len(raw) != seedBytes {
			t.Fatalf("seed %q does not decode to %d bytes: %v", seed, seedBytes, err)
		}
		if seen[seed] {
			t.Fatalf("generated duplicate seed %q", seed)
		}
		seen[seed] = true
	}
}
