package warming

import (
	mathrand "math/rand"

	"sovi/pkg/automation"
	"sovi/pkg/domain"
)

// Factory builds a Warmer bound to one live automation session.
type Factory func(client *automation.Client, sessionID string, rng *mathrand.Rand) Warmer

// Registry maps a platform to its warmer factory. Warmers exist only for
// PlatformTikTok and PlatformInstagram, and those are the only entries the
// orchestrator registers; no other platform has a warmer.
type Registry map[domain.Platform]Factory

// ForPlatform returns the factory for a platform, or false if none is
// registered.
func (r Registry) ForPlatform(p domain.Platform) (Factory, bool) {
	f, ok := r[p]
	return f, ok
}
