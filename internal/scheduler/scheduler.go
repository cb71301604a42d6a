// Package scheduler runs one independent worker goroutine per active
// device, claiming warming or creation tasks and driving them to
// completion until a shared stop signal fires.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sovi/internal/creationrunner"
	"sovi/internal/servicetoken"
	"sovi/internal/sessionrunner"
	"sovi/pkg/automation"
	"sovi/pkg/domain"
	"sovi/pkg/eventlog"
	"sovi/pkg/store"
)

// defaultPlatforms is the fixed platform set every worker claims tasks for.
var defaultPlatforms = []domain.Platform{domain.PlatformTikTok, domain.PlatformInstagram}

const (
	idleInterval      = 30 * time.Second
	cooldownInterval  = 30 * time.Second
	hungGracePeriod   = 30 * time.Second
	loopFailureSleep  = 60 * time.Second
	probeInitialBackoff = 60 * time.Second
	sessionTotalBudget  = 45 * time.Minute
)

// Status is a point-in-time snapshot of one worker, for the apiserver's
// /api/scheduler/status endpoint and dashboard consumers.
type Status struct {
	DeviceID        string    `json:"deviceId"`
	TaskDescription string    `json:"taskDescription"`
	SessionsToday   int       `json:"sessionsToday"`
	Hung            bool      `json:"hung"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Scheduler owns the fleet of per-device workers.
type Scheduler struct {
	store     store.Store
	events    *eventlog.Log
	signer    *servicetoken.Signer
	sessions  *sessionrunner.Runner
	creations *creationrunner.Runner
	alerter   *HealthAlerter
	heartbeat *heartbeatCache
	platforms []domain.Platform

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers map[string]*worker
}

// New builds a scheduler. alerter and heartbeat may be nil (Redis
// unconfigured); both degrade to local-only behavior.
func New(st store.Store, events *eventlog.Log, signer *servicetoken.Signer, sessions *sessionrunner.Runner, creations *creationrunner.Runner, alerter *HealthAlerter, heartbeat *heartbeatCache) *Scheduler {
	return &Scheduler{
		store:     st,
		events:    events,
		signer:    signer,
		sessions:  sessions,
		creations: creations,
		alerter:   alerter,
		heartbeat: heartbeat,
		platforms: defaultPlatforms,
		workers:   map[string]*worker{},
	}
}

// Start queries the active device set and spawns one worker per device.
// It returns immediately. ctx scopes only the device query and the start
// events; workers run on their own context until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	devices, err := s.store.ListActiveDevices(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: list active devices: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.workers = make(map[string]*worker, len(devices))
	for _, d := range devices {
		w := newWorker(s, d)
		s.workers[d.ID] = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(workerCtx)
		}()
	}
	s.mu.Unlock()

	s.emit(ctx, domain.SeverityInfo, domain.CategoryScheduler, "scheduler/info/scheduler_started", "", fmt.Sprintf("scheduler started with %d active devices", len(devices)))

	if len(devices) == 0 {
		slog.Warn("scheduler started with no active devices")
		s.emit(ctx, domain.SeverityWarning, domain.CategoryScheduler, "scheduler/warning/no_devices", "", "scheduler started with no active devices")
	}
	return nil
}

// Stop signals every worker and waits up to a hung-worker grace period for
// them to finish their current step. Workers still running after the grace
// period are left to terminate on their own; Stop returns without blocking
// on them indefinitely.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	s.emit(ctx, domain.SeverityInfo, domain.CategoryScheduler, "scheduler/info/scheduler_stopping", "", "scheduler stop signal received")

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.emit(ctx, domain.SeverityInfo, domain.CategoryScheduler, "scheduler/info/scheduler_stopped", "", "scheduler stopped")
		return nil
	case <-time.After(hungGracePeriod):
		slog.Warn("scheduler stop: one or more workers did not exit within grace period")
		s.emit(ctx, domain.SeverityInfo, domain.CategoryScheduler, "scheduler/info/scheduler_stopped", "", "scheduler stopped (grace period exceeded)")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of every worker's current state.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.status())
	}
	return out
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) emit(ctx context.Context, severity domain.EventSeverity, category domain.EventCategory, eventType, deviceID, message string) {
	event := domain.SystemEvent{
		Category:  category,
		Severity:  severity,
		EventType: eventType,
		Message:   message,
	}
	if deviceID != "" {
		event.DeviceID = &deviceID
	}
	if _, err := s.events.Emit(ctx, event); err != nil {
		slog.Error("scheduler: emit event failed", "error", err)
	}
}

func (s *Scheduler) buildClient(device domain.Device) (*automation.Client, error) {
	baseURL := fmt.Sprintf("http://%s:%d", device.AutomationHost, device.AutomationPort)
	return automation.New(baseURL, s.signer)
}
