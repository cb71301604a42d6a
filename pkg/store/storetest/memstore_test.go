package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"sovi/pkg/domain"
	"sovi/pkg/store"
)

func TestClaimWarmingTaskNeverDoubleAssigns(t *testing.T) {
	s := NewMemStore()
	now := time.Now().UTC()
	s.SeedAccount(domain.Account{
		ID:           "acct-1",
		Platform:     domain.PlatformTikTok,
		CurrentState: domain.StateCreated,
	})

	var wg sync.WaitGroup
	claims := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			_, ok, err := s.ClaimWarmingTask(context.Background(), deviceID, []domain.Platform{domain.PlatformTikTok}, now)
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			claims <- ok
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(claims)

	successes := 0
	for ok := range claims {
		if ok {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", successes)
	}
}

func TestClaimWarmingTaskRespectsDayBoundary(t *testing.T) {
	s := NewMemStore()
	now := time.Now().UTC()
	warmedToday := now.Add(-1 * time.Hour)
	s.SeedAccount(domain.Account{
		ID:           "acct-recent",
		Platform:     domain.PlatformTikTok,
		CurrentState: domain.StateWarmingP1,
		LastWarmedAt: &warmedToday,
	})
	dayStart := now.Truncate(24 * time.Hour)
	_, ok, err := s.ClaimWarmingTask(context.Background(), "device-1", []domain.Platform{domain.PlatformTikTok}, dayStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatalf("account already warmed after day start should not be claimable")
	}
}

func TestClaimCreationTaskPicksFewestLiveAccounts(t *testing.T) {
	s := NewMemStore()
	s.SeedNiche(domain.Niche{ID: "n1", Slug: "finance", Status: domain.NicheActive})
	s.SeedNiche(domain.Niche{ID: "n2", Slug: "fitness", Status: domain.NicheActive})
	s.SeedAccount(domain.Account{ID: "a1", NicheID: "n1", Platform: domain.PlatformTikTok, CurrentState: domain.StateActive})

	task, ok, err := s.ClaimCreationTask(context.Background(), []domain.Platform{domain.PlatformTikTok, domain.PlatformInstagram})
	if err != nil {
		t.Fatalf("claim creation task: %v", err)
	}
	if !ok {
		t.Fatalf("expected a creation task")
	}
	if task.Niche.ID != "n2" && task.Platform != domain.PlatformTikTok {
		t.Fatalf("expected the zero-account pair to win, got niche=%s platform=%s", task.Niche.ID, task.Platform)
	}
}

func TestInsertEventAssignsMonotonicIDs(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.InsertEvent(ctx, domain.SystemEvent{
			Category: domain.CategoryScheduler,
			Severity: domain.SeverityInfo,
			EventType: "started",
		})
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("event ids must be strictly increasing, got %v", ids)
		}
	}
}

func TestResolveEventSetsResolutionFields(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	id, err := s.InsertEvent(ctx, domain.SystemEvent{Category: domain.CategoryDevice, Severity: domain.SeverityError, EventType: "install_failed"})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := s.ResolveEvent(ctx, id, "operator-1"); err != nil {
		t.Fatalf("resolve event: %v", err)
	}
	resolved := true
	events, err := s.ListEvents(ctx, store.EventFilter{Resolved: &resolved})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || !events[0].Resolved || events[0].ResolvedBy != "operator-1" {
		t.Fatalf("expected one resolved event by operator-1, got %+v", events)
	}
}
