package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sovi/pkg/automation"
	"sovi/pkg/domain"
)

const maxProbeBackoff = 10 * time.Minute

// worker drives one device through the scheduler's per-device loop. All
// mutable fields are behind mu since Status() reads them from a different
// goroutine than run() writes them.
type worker struct {
	scheduler *Scheduler
	device    domain.Device

	mu            sync.Mutex
	client        *automation.Client
	task          string
	sessionsToday int
	dayStamp      time.Time
	hung          bool
	updatedAt     time.Time
}

func newWorker(s *Scheduler, device domain.Device) *worker {
	return &worker{scheduler: s, device: device, updatedAt: time.Now().UTC()}
}

func (w *worker) run(ctx context.Context) {
	backoff := probeInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		w.setTask(ctx, "heartbeat")
		if err := w.scheduler.store.TouchDeviceHeartbeat(ctx, w.device.ID, domain.DeviceActive); err != nil {
			w.loopError(ctx, fmt.Errorf("touch heartbeat: %w", err))
			if !w.sleep(ctx, loopFailureSleep) {
				return
			}
			continue
		}

		client, err := w.clientFor()
		if err != nil {
			w.loopError(ctx, fmt.Errorf("build automation client: %w", err))
			if !w.sleep(ctx, loopFailureSleep) {
				return
			}
			continue
		}

		w.setTask(ctx, "health probe")
		if err := client.Status(ctx); err != nil {
			escalated := w.handleProbeFailure(ctx, err)
			if escalated {
				backoff = min(backoff*2, maxProbeBackoff)
			}
			if !w.sleep(ctx, backoff) {
				return
			}
			continue
		}
		backoff = probeInitialBackoff

		if !w.claimAndRun(ctx, client) {
			w.setTask(ctx, "idle")
			if !w.sleep(ctx, idleInterval) {
				return
			}
			continue
		}

		if !w.sleep(ctx, cooldownInterval) {
			return
		}
	}
}

// claimAndRun claims one unit of work (warming, falling back to creation)
// and drives it to completion, returning true if any work was claimed.
func (w *worker) claimAndRun(ctx context.Context, client *automation.Client) bool {
	dayStart := startOfDay(time.Now().UTC())
	account, claimed, err := w.scheduler.store.ClaimWarmingTask(ctx, w.device.ID, w.scheduler.platforms, dayStart)
	if err != nil {
		w.loopError(ctx, fmt.Errorf("claim warming task: %w", err))
		return false
	}
	if claimed {
		w.setTask(ctx, fmt.Sprintf("warming %s", account.Username))
		sessionCtx, cancel := context.WithTimeout(ctx, sessionTotalBudget)
		outcome, runErr := w.scheduler.sessions.Run(sessionCtx, w.device, client, account)
		cancel()
		w.incrementSessionCount(ctx)
		msg := fmt.Sprintf("warming session for account %s ended with outcome %s", account.Username, outcome)
		if runErr != nil {
			msg = fmt.Sprintf("%s (%v)", msg, runErr)
		}
		w.scheduler.emit(ctx, domain.SeverityInfo, domain.CategoryScheduler, "scheduler/info/session_complete", w.device.ID, msg)
		return true
	}

	task, hasTask, err := w.scheduler.store.ClaimCreationTask(ctx, w.scheduler.platforms)
	if err != nil {
		w.loopError(ctx, fmt.Errorf("claim creation task: %w", err))
		return false
	}
	if !hasTask {
		return false
	}
	w.setTask(ctx, fmt.Sprintf("creating account for niche %s/%s", task.Platform, task.Niche.Slug))
	outcome, runErr := w.scheduler.creations.Run(ctx, w.device, client, task)
	w.incrementSessionCount(ctx)
	msg := fmt.Sprintf("creation task for %s/%s ended with outcome %s", task.Platform, task.Niche.Slug, outcome)
	if runErr != nil {
		msg = fmt.Sprintf("%s (%v)", msg, runErr)
	}
	w.scheduler.emit(ctx, domain.SeverityInfo, domain.CategoryScheduler, "scheduler/info/session_complete", w.device.ID, msg)
	return true
}

// handleProbeFailure records the failure with the health alerter and emits
// a warning or critical device event depending on escalation. It returns
// whether the failure escalated.
func (w *worker) handleProbeFailure(ctx context.Context, probeErr error) bool {
	result, err := w.scheduler.alerter.Observe(ctx, w.device.ID)
	if err != nil {
		w.scheduler.emit(ctx, domain.SeverityWarning, domain.CategoryDevice, "device/warning/health_probe_failed", w.device.ID,
			fmt.Sprintf("health probe failed and alert bookkeeping errored: %v / %v", probeErr, err))
		return false
	}
	if result.Escalated {
		w.scheduler.emit(ctx, domain.SeverityCritical, domain.CategoryDevice, "device/critical/health_probe_failed", w.device.ID,
			fmt.Sprintf("health probe failed %d times within the escalation window: %v", result.Count, probeErr))
		return true
	}
	w.scheduler.emit(ctx, domain.SeverityWarning, domain.CategoryDevice, "device/warning/health_probe_failed", w.device.ID, probeErr.Error())
	return false
}

func (w *worker) loopError(ctx context.Context, err error) {
	w.scheduler.emit(ctx, domain.SeverityError, domain.CategoryScheduler, "scheduler/error/device_loop_error", w.device.ID, err.Error())
}

func (w *worker) clientFor() (*automation.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		return w.client, nil
	}
	client, err := w.scheduler.buildClient(w.device)
	if err != nil {
		return nil, err
	}
	w.client = client
	return client, nil
}

func (w *worker) setTask(ctx context.Context, description string) {
	w.mu.Lock()
	w.task = description
	w.updatedAt = time.Now().UTC()
	w.mu.Unlock()
	w.scheduler.heartbeat.Publish(ctx, w.device.ID, description)
}

func (w *worker) incrementSessionCount(ctx context.Context) {
	now := time.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	today := startOfDay(now)
	if !w.dayStamp.Equal(today) {
		w.dayStamp = today
		w.sessionsToday = 0
	}
	w.sessionsToday++
}

func (w *worker) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		DeviceID:        w.device.ID,
		TaskDescription: w.task,
		SessionsToday:   w.sessionsToday,
		Hung:            w.hung,
		UpdatedAt:       w.updatedAt,
	}
}

// sleep waits for d or ctx cancellation, returning false if ctx ended the
// wait early so callers can exit their loop immediately.
func (w *worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
