// Package sessionrunner implements the per-device, per-account session
// pipeline: reset app install, log in, run the warming engine, and record
// the outcome.
package sessionrunner

import (
	"context"
	"encoding/base32"
	"fmt"
	"log/slog"
	"time"

	"sovi/internal/warming"
	"sovi/pkg/automation"
	"sovi/pkg/credcodec"
	"sovi/pkg/domain"
	"sovi/pkg/eventlog"
	"sovi/pkg/store"
)

// Outcome is the terminal classification of one session run.
type Outcome string

const (
	Completed    Outcome = "completed"
	Aborted      Outcome = "aborted"
	WarmingFailed Outcome = "warming_failed"
)

// Budgets holds the three wall-clock budgets the runner enforces. Zero
// values fall back to the defaults from spec section 4.4.
type Budgets struct {
	Setup   time.Duration
	Warming time.Duration
	Cleanup time.Duration
}

func (b Budgets) withDefaults() Budgets {
	if b.Setup <= 0 {
		b.Setup = 15 * time.Minute
	}
	if b.Warming <= 0 {
		b.Warming = 30 * time.Minute
	}
	if b.Cleanup <= 0 {
		b.Cleanup = 30 * time.Second
	}
	return b
}

var bundleIDs = map[domain.Platform]string{
	domain.PlatformTikTok:    "com.zhiliaoapp.musically",
	domain.PlatformInstagram: "com.burbn.instagram",
}

// Runner executes the session pipeline for one (device, account) pair at a
// time; callers (the scheduler) are responsible for never invoking it
// concurrently for the same device.
type Runner struct {
	store   store.Store
	events  *eventlog.Log
	codec   *credcodec.Codec
	warmers warming.Registry
	budgets Budgets
}

// New builds a session runner.
func New(st store.Store, events *eventlog.Log, codec *credcodec.Codec, warmers warming.Registry, budgets Budgets) *Runner {
	return &Runner{store: st, events: events, codec: codec, warmers: warmers, budgets: budgets.withDefaults()}
}

// Run drives one full session for the given device and account. It never
// panics and never returns an error that should propagate beyond the
// calling worker — all failures are classified into an Outcome and recorded
// as events.
func (r *Runner) Run(ctx context.Context, device domain.Device, client *automation.Client, account domain.Account) (Outcome, error) {
	bundleID, ok := bundleIDs[account.Platform]
	if !ok {
		return Aborted, fmt.Errorf("sessionrunner: no bundle id for platform %s", account.Platform)
	}

	sessionID, err := client.BeginSession(ctx)
	if err != nil {
		return Aborted, fmt.Errorf("sessionrunner: begin session: %w", err)
	}
	defer r.cleanup(client, sessionID)

	// Step 1: ensure app terminated. Best-effort; failure only warns.
	if err := client.TerminateApp(ctx, sessionID, bundleID); err != nil {
		r.warnf(ctx, &account, "scheduler/warning/terminate_failed", "app termination before reset failed", err)
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, r.budgets.Setup)
	defer cancelSetup()

	// Step 2: reset app installation. Every session gets a fresh per-vendor
	// installation identity; reusing one across accounts links them.
	if err := r.resetInstall(setupCtx, client, sessionID, bundleID); err != nil {
		r.emitError(ctx, &account, "device/error/install_failed", err)
		return Aborted, err
	}

	// Step 3: log in.
	if err := r.login(setupCtx, client, sessionID, account); err != nil {
		r.emitError(ctx, &account, "account/error/login_failed", err)
		return Aborted, err
	}

	// Step 4: run the warming engine, bounded to exactly the warming budget.
	warmCtx, cancelWarm := context.WithTimeout(ctx, r.budgets.Warming)
	defer cancelWarm()
	primitive := primitiveLabel(domain.PhaseNumber(account.CurrentState))
	report, warmErr := r.warm(warmCtx, client, sessionID, account)
	if warmErr != nil && warmCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The warming budget itself ran out: that ends the warming step
		// normally and is not a failure.
		warmErr = nil
	}

	now := time.Now().UTC()
	session := domain.WarmingSession{
		AccountID:   account.ID,
		DeviceID:    device.ID,
		Platform:    account.Platform,
		WarmingDay:  account.WarmingDayCount,
		SessionData: reportToMap(report),
		StartedAt:   now,
	}

	if warmErr != nil {
		// Step 5 (failure branch): partial progress recorded, day count not
		// incremented. ClassifySessionOutcome is given no forced state here,
		// so the account state is left as it was.
		session.WarmingPhase = domain.PhaseNumber(account.CurrentState)
		forced, changed := domain.ClassifySessionOutcome(domain.OutcomeWarmingFailed, "")
		if changed {
			account.CurrentState = forced
			account.UpdatedAt = now
		}
		completedAt := now
		session.CompletedAt = &completedAt
		if err := r.store.CompleteWarmingSession(ctx, account, session); err != nil {
			slog.Error("sessionrunner: record failed warming session", "account_id", account.ID, "error", err)
		}
		r.emitError(ctx, &account, "scheduler/error/warming_failed", warmErr)
		return WarmingFailed, warmErr
	}

	// Step 5 (success branch): advance warming_day_count and phase.
	account.LastWarmedAt = &now
	account.WarmingDayCount++
	account.CurrentState = domain.PhaseForDay(account.WarmingDayCount)
	account.UpdatedAt = now

	session.WarmingPhase = domain.PhaseNumber(account.CurrentState)
	completedAt := now
	session.CompletedAt = &completedAt

	// Step 6: insert warming session record (same call persists the
	// account update atomically, per the store's CompleteWarmingSession
	// contract).
	if err := r.store.CompleteWarmingSession(ctx, account, session); err != nil {
		return Aborted, fmt.Errorf("sessionrunner: persist completed session: %w", err)
	}

	// Step 7: emit completion event with structured context.
	accountID := account.ID
	deviceID := device.ID
	if _, err := r.events.Emit(ctx, domain.SystemEvent{
		Category:  domain.CategoryScheduler,
		Severity:  domain.SeverityInfo,
		EventType: "scheduler/info/warming_complete",
		AccountID: &accountID,
		DeviceID:  &deviceID,
		Message:   "warming session completed",
		Context: map[string]any{
			"videos_watched": report.VideosWatched,
			"likes":          report.Likes,
			"follows":        report.Follows,
			"zone_outs":      report.ZoneOuts,
			"warming_day":    account.WarmingDayCount,
			"new_state":      string(account.CurrentState),
			"phase":          primitive,
		},
	}); err != nil {
		slog.Error("sessionrunner: emit warming_complete failed", "account_id", account.ID, "error", err)
	}

	return Completed, nil
}

func (r *Runner) resetInstall(ctx context.Context, client *automation.Client, sessionID, bundleID string) error {
	if err := client.RemoveApp(ctx, sessionID, bundleID); err != nil {
		return fmt.Errorf("%w: uninstall: %v", ErrInstallFailed, err)
	}
	if err := client.InstallApp(ctx, sessionID, bundleID); err != nil {
		return fmt.Errorf("%w: install: %v", ErrInstallFailed, err)
	}
	if err := client.ActivateApp(ctx, sessionID, bundleID); err != nil {
		return fmt.Errorf("%w: activate after install: %v", ErrInstallFailed, err)
	}
	return nil
}

func (r *Runner) login(ctx context.Context, client *automation.Client, sessionID string, account domain.Account) error {
	email, err := r.codec.DecryptBytes(account.EmailEnc)
	if err != nil {
		return fmt.Errorf("%w: decrypt email: %v", ErrLoginFailed, err)
	}
	password, err := r.codec.DecryptBytes(account.PasswordEnc)
	if err != nil {
		return fmt.Errorf("%w: decrypt password: %v", ErrLoginFailed, err)
	}

	emailField, err := client.FindElement(ctx, sessionID, "login-email-field")
	if err != nil {
		return fmt.Errorf("%w: locate email field: %v", ErrLoginFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, emailField, string(email)); err != nil {
		return fmt.Errorf("%w: set email: %v", ErrLoginFailed, err)
	}
	passwordField, err := client.FindElement(ctx, sessionID, "login-password-field")
	if err != nil {
		return fmt.Errorf("%w: locate password field: %v", ErrLoginFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, passwordField, string(password)); err != nil {
		return fmt.Errorf("%w: set password: %v", ErrLoginFailed, err)
	}
	submit, err := client.FindElement(ctx, sessionID, "login-submit-button")
	if err != nil {
		return fmt.Errorf("%w: locate submit button: %v", ErrLoginFailed, err)
	}
	if err := client.Click(ctx, sessionID, submit); err != nil {
		return fmt.Errorf("%w: submit login: %v", ErrLoginFailed, err)
	}

	if len(account.TOTPSecretEnc) > 0 {
		if err := r.handle2FA(ctx, client, sessionID, account); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) handle2FA(ctx context.Context, client *automation.Client, sessionID string, account domain.Account) error {
	seed, err := r.codec.DecryptBytes(account.TOTPSecretEnc)
	if err != nil {
		return fmt.Errorf("%w: decrypt totp seed: %v", ErrLoginFailed, err)
	}
	code, err := totpCode(string(seed), time.Now())
	if err != nil {
		return fmt.Errorf("%w: compute totp code: %v", ErrLoginFailed, err)
	}
	field, err := client.FindElement(ctx, sessionID, "two-factor-code-field")
	if err != nil {
		return fmt.Errorf("%w: locate 2fa field: %v", ErrLoginFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, field, code); err != nil {
		return fmt.Errorf("%w: set 2fa code: %v", ErrLoginFailed, err)
	}
	submit, err := client.FindElement(ctx, sessionID, "two-factor-submit-button")
	if err != nil {
		return fmt.Errorf("%w: locate 2fa submit: %v", ErrLoginFailed, err)
	}
	return client.Click(ctx, sessionID, submit)
}

// primitiveLabel names the warming primitive a phase runs, matching the
// branch warm() itself takes.
func primitiveLabel(phase int) string {
	if phase <= 1 {
		return "PASSIVE"
	}
	return "LIGHT_ENGAGEMENT"
}

func (r *Runner) warm(ctx context.Context, client *automation.Client, sessionID string, account domain.Account) (warming.Report, error) {
	factory, ok := r.warmers.ForPlatform(account.Platform)
	if !ok {
		return warming.Report{}, ErrNoWarmer
	}
	rng, err := warming.NewRand()
	if err != nil {
		return warming.Report{}, fmt.Errorf("%w: seed rng: %v", ErrWarmingFailed, err)
	}
	warmer := factory(client, sessionID, rng)

	phase := domain.PhaseNumber(account.CurrentState)
	var report warming.Report
	if phase <= 1 {
		report, err = warmer.PassiveConsumption(ctx, r.budgets.Warming)
	} else {
		caps := warming.RandomCaps(rng, account.Platform == domain.PlatformInstagram)
		report, err = warmer.LightEngagement(ctx, r.budgets.Warming, caps)
	}
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrWarmingFailed, err)
	}
	return report, nil
}

func (r *Runner) cleanup(client *automation.Client, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.budgets.Cleanup)
	defer cancel()
	if err := client.EndSession(ctx, sessionID); err != nil {
		slog.Warn("sessionrunner: end session cleanup failed", "session_id", sessionID, "error", err)
	}
}

func (r *Runner) warnf(ctx context.Context, account *domain.Account, eventType, message string, err error) {
	accountID := account.ID
	if _, emitErr := r.events.Emit(ctx, domain.SystemEvent{
		Category:  domain.CategoryDevice,
		Severity:  domain.SeverityWarning,
		EventType: eventType,
		AccountID: &accountID,
		Message:   message,
		Context:   map[string]any{"error": err.Error()},
	}); emitErr != nil {
		slog.Error("sessionrunner: emit warning event failed", "error", emitErr)
	}
}

func (r *Runner) emitError(ctx context.Context, account *domain.Account, eventType string, cause error) {
	accountID := account.ID
	if _, err := r.events.Emit(ctx, domain.SystemEvent{
		Category:  domain.CategoryAccount,
		Severity:  domain.SeverityError,
		EventType: eventType,
		AccountID: &accountID,
		Message:   cause.Error(),
		Context:   map[string]any{"error": cause.Error()},
	}); err != nil {
		slog.Error("sessionrunner: emit error event failed", "error", err)
	}
}

func reportToMap(r warming.Report) map[string]any {
	return map[string]any{
		"videos_watched": r.VideosWatched,
		"likes":          r.Likes,
		"follows":        r.Follows,
		"zone_outs":      r.ZoneOuts,
		"alerts_seen":    r.AlertsSeen,
		"aborted":        r.Aborted,
	}
}

// totpCode computes an RFC 6238 TOTP code from a base32-encoded seed. No
// corpus dependency covers this narrow primitive; it is built directly on
// stdlib crypto/hmac and crypto/sha1 (see pkg/totpseed for the generation
// side of the same justification).
func totpCode(base32Seed string, at time.Time) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(base32Seed)
	if err != nil {
		return "", err
	}
	return computeTOTP(key, at)
}
