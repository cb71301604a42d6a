package warming

import (
	"context"
	"testing"
	"time"
)

func TestVideoWatchTimeWithinBounds(t *testing.T) {
	rng, err := NewRand()
	if err != nil {
		t.Fatalf("new rand: %v", err)
	}
	for i := 0; i < 500; i++ {
		d := VideoWatchTime(rng)
		if d < 5*time.Second || d > 60*time.Second {
			t.Fatalf("watch time %v out of bounds", d)
		}
	}
}

func TestRandomCapsRespectsInstagramNarrowerFollowCeiling(t *testing.T) {
	rng, err := NewRand()
	if err != nil {
		t.Fatalf("new rand: %v", err)
	}
	for i := 0; i < 200; i++ {
		caps := RandomCaps(rng, true)
		if caps.FollowCap < 3 || caps.FollowCap > 5 {
			t.Fatalf("instagram follow cap %d outside [3,5]", caps.FollowCap)
		}
		caps = RandomCaps(rng, false)
		if caps.FollowCap < 3 || caps.FollowCap > 7 {
			t.Fatalf("non-instagram follow cap %d outside [3,7]", caps.FollowCap)
		}
		if caps.LikeCap < 5 || caps.LikeCap > 10 {
			t.Fatalf("like cap %d outside [5,10]", caps.LikeCap)
		}
	}
}

func TestSleepRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Second); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestSleepCompletesNormally(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
