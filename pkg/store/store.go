// Package store persists niches, devices, accounts, warming sessions, and
// system events, and implements the contention-safe task-claim protocol
// workers use to pick their next unit of work.
package store

import (
	"context"
	"errors"
	"time"

	"sovi/pkg/domain"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// EventFilter narrows ListEvents queries. Zero-value fields are not applied.
type EventFilter struct {
	Severity  domain.EventSeverity
	Category  domain.EventCategory
	EventType string
	DeviceID  string
	AccountID string
	Resolved  *bool
	AfterID   int64
	Limit     int
}

// CreationTask is the fallback unit of work when no warming task is
// eligible: the (platform, niche) pair with the fewest live accounts.
type CreationTask struct {
	Platform domain.Platform
	Niche    domain.Niche
}

// Store is the persistence seam the scheduler, session runner, creation
// runner, and event log all depend on.
type Store interface {
	// devices
	ListActiveDevices(ctx context.Context) ([]domain.Device, error)
	GetDevice(ctx context.Context, id string) (domain.Device, error)
	TouchDeviceHeartbeat(ctx context.Context, deviceID string, status domain.DeviceStatus) error

	// niches
	ListActiveNiches(ctx context.Context) ([]domain.Niche, error)

	// task claim protocol (section 4.1)
	ClaimWarmingTask(ctx context.Context, deviceID string, platforms []domain.Platform, dayStart time.Time) (domain.Account, bool, error)
	ClaimCreationTask(ctx context.Context, platforms []domain.Platform) (CreationTask, bool, error)

	// accounts
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context, platform domain.Platform, state domain.AccountState, nicheID string) ([]domain.Account, error)
	InsertAccount(ctx context.Context, account domain.Account) error
	// UsernameTaken checks whether a username is already in use on a
	// platform, for the creation runner's collision re-roll.
	UsernameTaken(ctx context.Context, platform domain.Platform, username string) (bool, error)
	// CompleteWarmingSession atomically updates the account's warming
	// progress/state and inserts the warming_progress row in one
	// transaction, matching the "mutations happen in the same
	// transaction as the claim" discipline from section 4.1/section 4.4 step 5-6.
	CompleteWarmingSession(ctx context.Context, account domain.Account, session domain.WarmingSession) error

	// events
	InsertEvent(ctx context.Context, event domain.SystemEvent) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.SystemEvent, error)
	ResolveEvent(ctx context.Context, id int64, resolvedBy string) error
}
