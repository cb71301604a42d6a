// Package warming defines the per-platform warming primitives and the
// randomized rate-limit/probability contract shared by every warmer.
package warming

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"time"
)

// Report is the structured outcome a warmer hands back to the session
// runner. The warmer never writes to the store directly.
type Report struct {
	VideosWatched int
	Likes         int
	Follows       int
	ZoneOuts      int
	AlertsSeen    int
	Aborted       bool
}

// Caps bounds the per-session engagement budget a single warming call may
// spend, independent of the wall-clock Budget.
type Caps struct {
	LikeCap   int
	FollowCap int
}

// Warmer is implemented by each platform's warming engine.
type Warmer interface {
	PassiveConsumption(ctx context.Context, budget time.Duration) (Report, error)
	LightEngagement(ctx context.Context, budget time.Duration, caps Caps) (Report, error)
}

// NewRand returns a *mathrand.Rand seeded independently from crypto/rand, so
// concurrent warmers on different devices never share timing correlation
// through a shared global source.
func NewRand() (*mathrand.Rand, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return mathrand.New(mathrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))), nil
}

// RandomCaps draws a fresh per-session like/follow cap pair. instagram
// narrows the follow cap per spec section 4.5.
func RandomCaps(rng *mathrand.Rand, instagram bool) Caps {
	likeCap := 5 + rng.Intn(6) // uniform int [5, 10]
	var followCap int
	if instagram {
		followCap = 3 + rng.Intn(3) // uniform int [3, 5]
	} else {
		followCap = 3 + rng.Intn(5) // uniform int [3, 7]
	}
	return Caps{LikeCap: likeCap, FollowCap: followCap}
}

// Uniform returns a random duration drawn uniformly from [minSeconds, maxSeconds].
func Uniform(rng *mathrand.Rand, minSeconds, maxSeconds float64) time.Duration {
	span := maxSeconds - minSeconds
	seconds := minSeconds + rng.Float64()*span
	return time.Duration(seconds * float64(time.Second))
}

// VideoWatchTime draws the per-video watch duration: uniform(5,25)s, with a
// 30% chance of the longer uniform(20,60)s tail.
func VideoWatchTime(rng *mathrand.Rand) time.Duration {
	if rng.Float64() < 0.30 {
		return Uniform(rng, 20, 60)
	}
	return Uniform(rng, 5, 25)
}

// SwipeDuration draws the feed-swipe gesture duration.
func SwipeDuration(rng *mathrand.Rand) time.Duration {
	return Uniform(rng, 0.3, 0.8)
}

// SettleDelay draws the post-swipe settle pause.
func SettleDelay(rng *mathrand.Rand) time.Duration {
	return Uniform(rng, 0.5, 1.5)
}

// ZoneOut decides whether this video triggers a "zone-out" break (5-15%
// chance) and, if so, its duration.
func ZoneOut(rng *mathrand.Rand) (bool, time.Duration) {
	threshold := 0.05 + rng.Float64()*0.10
	if rng.Float64() < threshold {
		return true, Uniform(rng, 5, 30)
	}
	return false, 0
}

// AlertCheckInterval draws how many videos pass between alert probes.
func AlertCheckInterval(rng *mathrand.Rand) int {
	return 5 + rng.Intn(4)
}

// LikeProbability decides whether this video is liked (12-15% chance).
func LikeProbability(rng *mathrand.Rand) bool {
	return rng.Float64() < 0.12+rng.Float64()*0.03
}

// FollowProbability decides whether this video's author is followed (~6%).
func FollowProbability(rng *mathrand.Rand) bool {
	return rng.Float64() < 0.06
}

// GapAfterLike draws the cooldown after a like action.
func GapAfterLike(rng *mathrand.Rand) time.Duration {
	return Uniform(rng, 30, 90)
}

// GapAfterFollow draws the cooldown after a follow action.
func GapAfterFollow(rng *mathrand.Rand) time.Duration {
	return Uniform(rng, 30, 60)
}

// Sleep blocks for d or returns ctx.Err() if the context is cancelled first;
// this is how every natural stop in the loop is expressed — never a busy-wait.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
