// Package storetest provides an in-memory store.Store fake for unit tests
// that exercise the scheduler and session runner without a live Postgres.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"sovi/pkg/domain"
	"sovi/pkg/store"
)

// MemStore is a minimal Store fake: it
// serializes every operation behind a mutex so tests can still exercise
// concurrent claim attempts from multiple goroutines deterministically.
type MemStore struct {
	mu       sync.Mutex
	devices  map[string]domain.Device
	niches   map[string]domain.Niche
	accounts map[string]domain.Account
	events   []domain.SystemEvent
	sessions []domain.WarmingSession
	nextID   int64
}

// NewMemStore builds an empty fake store.
func NewMemStore() *MemStore {
	return &MemStore{
		devices:  map[string]domain.Device{},
		niches:   map[string]domain.Niche{},
		accounts: map[string]domain.Account{},
	}
}

// SeedDevice inserts a device directly, bypassing any protocol.
func (s *MemStore) SeedDevice(d domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

// SeedNiche inserts a niche directly.
func (s *MemStore) SeedNiche(n domain.Niche) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.niches[n.ID] = n
}

// SeedAccount inserts an account directly.
func (s *MemStore) SeedAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

// Events returns a snapshot of everything recorded via InsertEvent.
func (s *MemStore) Events() []domain.SystemEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SystemEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Sessions returns a snapshot of completed warming_progress rows.
func (s *MemStore) Sessions() []domain.WarmingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WarmingSession, len(s.sessions))
	copy(out, s.sessions)
	return out
}

func (s *MemStore) ListActiveDevices(ctx context.Context) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Device
	for _, d := range s.devices {
		if d.Status == domain.DeviceActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return domain.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *MemStore) TouchDeviceHeartbeat(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	s.devices[deviceID] = d
	return nil
}

func (s *MemStore) ListActiveNiches(ctx context.Context) ([]domain.Niche, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Niche
	for _, n := range s.niches {
		if n.Status == domain.NicheActive {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

var stateRank = map[domain.AccountState]int{
	domain.StateCreated:   0,
	domain.StateWarmingP1: 1,
	domain.StateWarmingP2: 2,
	domain.StateWarmingP3: 3,
	domain.StateActive:    4,
}

func (s *MemStore) ClaimWarmingTask(ctx context.Context, deviceID string, platforms []domain.Platform, dayStart time.Time) (domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantPlatform := map[domain.Platform]bool{}
	for _, p := range platforms {
		wantPlatform[p] = true
	}

	var candidates []domain.Account
	for _, a := range s.accounts {
		if _, eligible := stateRank[a.CurrentState]; !eligible {
			continue
		}
		if !wantPlatform[a.Platform] {
			continue
		}
		if !a.Alive() {
			continue
		}
		if a.LastWarmedAt != nil && !a.LastWarmedAt.Before(dayStart) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return domain.Account{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if stateRank[ci.CurrentState] != stateRank[cj.CurrentState] {
			return stateRank[ci.CurrentState] < stateRank[cj.CurrentState]
		}
		if (ci.LastWarmedAt == nil) != (cj.LastWarmedAt == nil) {
			return ci.LastWarmedAt == nil
		}
		if ci.LastWarmedAt != nil && cj.LastWarmedAt != nil && !ci.LastWarmedAt.Equal(*cj.LastWarmedAt) {
			return ci.LastWarmedAt.Before(*cj.LastWarmedAt)
		}
		return ci.ID < cj.ID
	})
	claimed := candidates[0]
	claimed.LastDeviceID = deviceID
	claimed.UpdatedAt = time.Now().UTC()
	s.accounts[claimed.ID] = claimed
	return claimed, true, nil
}

func (s *MemStore) ClaimCreationTask(ctx context.Context, platforms []domain.Platform) (store.CreationTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		nicheID  string
		platform domain.Platform
	}
	counts := map[key]int{}
	var activeNiches []domain.Niche
	for _, n := range s.niches {
		if n.Status == domain.NicheActive {
			activeNiches = append(activeNiches, n)
			for _, p := range platforms {
				counts[key{n.ID, p}] = 0
			}
		}
	}
	for _, a := range s.accounts {
		if !a.Alive() {
			continue
		}
		counts[key{a.NicheID, a.Platform}]++
	}
	if len(activeNiches) == 0 {
		return store.CreationTask{}, false, nil
	}
	sort.Slice(activeNiches, func(i, j int) bool { return activeNiches[i].Slug < activeNiches[j].Slug })

	best := store.CreationTask{}
	bestCount := -1
	for _, n := range activeNiches {
		for _, p := range platforms {
			c := counts[key{n.ID, p}]
			if bestCount == -1 || c < bestCount {
				bestCount = c
				best = store.CreationTask{Platform: p, Niche: n}
			}
		}
	}
	if bestCount == -1 {
		return store.CreationTask{}, false, nil
	}
	return best, true, nil
}

func (s *MemStore) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *MemStore) ListAccounts(ctx context.Context, platform domain.Platform, state domain.AccountState, nicheID string) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Account
	for _, a := range s.accounts {
		if !a.Alive() {
			continue
		}
		if platform != "" && a.Platform != platform {
			continue
		}
		if state != "" && a.CurrentState != state {
			continue
		}
		if nicheID != "" && a.NicheID != nicheID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) InsertAccount(ctx context.Context, account domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
	return nil
}

func (s *MemStore) UsernameTaken(ctx context.Context, platform domain.Platform, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Platform == platform && a.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CompleteWarmingSession(ctx context.Context, account domain.Account, session domain.WarmingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
	s.sessions = append(s.sessions, session)
	return nil
}

func (s *MemStore) InsertEvent(ctx context.Context, event domain.SystemEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, event)
	return event.ID, nil
}

func (s *MemStore) ListEvents(ctx context.Context, filter store.EventFilter) ([]domain.SystemEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	var out []domain.SystemEvent
	for _, e := range s.events {
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.DeviceID != "" && (e.DeviceID == nil || *e.DeviceID != filter.DeviceID) {
			continue
		}
		if filter.AccountID != "" && (e.AccountID == nil || *e.AccountID != filter.AccountID) {
			continue
		}
		if filter.Resolved != nil && e.Resolved != *filter.Resolved {
			continue
		}
		if filter.AfterID > 0 && e.ID <= filter.AfterID {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) ResolveEvent(ctx context.Context, id int64, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Resolved = true
			s.events[i].ResolvedBy = resolvedBy
			now := time.Now().UTC()
			s.events[i].ResolvedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

var _ store.Store = (*MemStore)(nil)
