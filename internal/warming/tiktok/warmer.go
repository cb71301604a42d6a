// Package tiktok implements the TikTok warming engine: swipe-up feed
// consumption and rate-limited like/follow engagement. It performs no
// hashtag search.
package tiktok

import (
	"context"
	"fmt"
	"time"

	mathrand "math/rand"

	"sovi/internal/warming"
	"sovi/pkg/automation"
)

// Warmer drives a TikTok session through the automation client.
type Warmer struct {
	client    *automation.Client
	sessionID string
	rng       *mathrand.Rand
}

// New builds a TikTok warmer bound to one live automation session.
func New(client *automation.Client, sessionID string, rng *mathrand.Rand) *Warmer {
	return &Warmer{client: client, sessionID: sessionID, rng: rng}
}

// PassiveConsumption browses the For You feed without interacting, used for
// warming phase 1.
func (w *Warmer) PassiveConsumption(ctx context.Context, budget time.Duration) (warming.Report, error) {
	return w.run(ctx, budget, warming.Caps{})
}

// LightEngagement mixes consumption with rate-limited likes and follows,
// used for warming phases 2-4.
func (w *Warmer) LightEngagement(ctx context.Context, budget time.Duration, caps warming.Caps) (warming.Report, error) {
	return w.run(ctx, budget, caps)
}

func (w *Warmer) run(ctx context.Context, budget time.Duration, caps warming.Caps) (warming.Report, error) {
	deadline := time.Now().Add(budget)
	report := warming.Report{}
	videosSinceAlertCheck := 0
	nextAlertCheck := warming.AlertCheckInterval(w.rng)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := warming.Sleep(ctx, warming.VideoWatchTime(w.rng)); err != nil {
			return report, err
		}
		report.VideosWatched++
		videosSinceAlertCheck++

		if videosSinceAlertCheck >= nextAlertCheck {
			videosSinceAlertCheck = 0
			nextAlertCheck = warming.AlertCheckInterval(w.rng)
			blocked, err := w.probeAlert(ctx)
			if err != nil {
				return report, err
			}
			if blocked {
				report.AlertsSeen++
			}
		}

		if caps.LikeCap > 0 && report.Likes < caps.LikeCap && warming.LikeProbability(w.rng) {
			if err := w.like(ctx); err != nil {
				return report, fmt.Errorf("tiktok: like action: %w", err)
			}
			report.Likes++
			if err := warming.Sleep(ctx, warming.GapAfterLike(w.rng)); err != nil {
				return report, err
			}
		}
		if caps.FollowCap > 0 && report.Follows < caps.FollowCap && warming.FollowProbability(w.rng) {
			if err := w.follow(ctx); err != nil {
				return report, fmt.Errorf("tiktok: follow action: %w", err)
			}
			report.Follows++
			if err := warming.Sleep(ctx, warming.GapAfterFollow(w.rng)); err != nil {
				return report, err
			}
		}

		if zoned, pause := warming.ZoneOut(w.rng); zoned {
			report.ZoneOuts++
			if err := warming.Sleep(ctx, pause); err != nil {
				return report, err
			}
		}

		if err := warming.Sleep(ctx, warming.SwipeDuration(w.rng)); err != nil {
			return report, err
		}
		if err := w.swipeUp(ctx); err != nil {
			return report, fmt.Errorf("tiktok: swipe up: %w", err)
		}
		if err := warming.Sleep(ctx, warming.SettleDelay(w.rng)); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (w *Warmer) swipeUp(ctx context.Context) error {
	return w.client.PerformActions(ctx, w.sessionID, []automation.W3CAction{
		{Type: "pointerMove", X: 200, Y: 1400},
		{Type: "pointerDown"},
		{Type: "pointerMove", X: 200, Y: 400, Duration: 300},
		{Type: "pointerUp"},
	})
}

func (w *Warmer) like(ctx context.Context) error {
	el, err := w.client.FindElement(ctx, w.sessionID, "like-button")
	if err != nil {
		return err
	}
	return w.client.Click(ctx, w.sessionID, el)
}

func (w *Warmer) follow(ctx context.Context) error {
	el, err := w.client.FindElement(ctx, w.sessionID, "follow-button")
	if err != nil {
		return err
	}
	return w.client.Click(ctx, w.sessionID, el)
}

// probeAlert issues only a lightweight "is there an alert?" check — never a
// heavy UI-tree search, which is slow and correlates with automation tooling.
func (w *Warmer) probeAlert(ctx context.Context) (bool, error) {
	text, err := w.client.AlertText(ctx, w.sessionID)
	if err != nil {
		if autoErr, ok := err.(*automation.Error); ok && autoErr.Status == 404 {
			return false, nil
		}
		return false, err
	}
	if text == "" {
		return false, nil
	}
	return true, w.client.DismissAlert(ctx, w.sessionID)
}

var _ warming.Warmer = (*Warmer)(nil)
