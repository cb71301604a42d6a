// Package creationrunner implements the account creation flow: niche
// selection, username synthesis, platform signup, and secret encryption.
package creationrunner

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"sovi/pkg/automation"
	"sovi/pkg/captcha"
	"sovi/pkg/credcodec"
	"sovi/pkg/domain"
	"sovi/pkg/eventlog"
	"sovi/pkg/mailpoll"
	"sovi/pkg/smsverify"
	"sovi/pkg/store"
	"sovi/pkg/totpseed"
)

// Outcome is the terminal classification of one creation attempt.
type Outcome string

const (
	Created Outcome = "created"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// usernamePrefixes maps a niche slug to its candidate prefix set. Unknown
// niches fall back to a generic set.
var usernamePrefixes = map[string][]string{
	"personal_finance": {"money", "wealth", "finance", "cash", "invest"},
	"fitness":          {"fit", "gains", "lift", "shred", "strong"},
	"travel":           {"wander", "roam", "voyage", "nomad", "trek"},
	"cooking":          {"chef", "kitchen", "recipe", "whisk", "plate"},
}

var genericPrefixes = []string{"daily", "the", "real", "official", "your"}

// Collaborators are the external services the signup flow needs. Any nil
// field makes creation unsafe to attempt (spec section 4.7's safety-skip
// policy).
type Collaborators struct {
	Captcha *captcha.Client
	Mail    *mailpoll.IMAPPoller
	SMS     *smsverify.Client
}

func (c Collaborators) allPresent() bool {
	return c.Captcha != nil && c.Mail != nil && c.SMS != nil
}

var bundleIDs = map[domain.Platform]string{
	domain.PlatformTikTok:    "com.zhiliaoapp.musically",
	domain.PlatformInstagram: "com.burbn.instagram",
}

// Runner executes the account creation flow.
type Runner struct {
	store         store.Store
	events        *eventlog.Log
	codec         *credcodec.Codec
	collaborators Collaborators
}

// New builds a creation runner. A zero-value Collaborators is valid; every
// creation attempt will then be skipped (not fatal).
func New(st store.Store, events *eventlog.Log, codec *credcodec.Codec, collaborators Collaborators) *Runner {
	return &Runner{store: st, events: events, codec: codec, collaborators: collaborators}
}

// Run attempts to create one new account for the given task.
func (r *Runner) Run(ctx context.Context, device domain.Device, client *automation.Client, task store.CreationTask) (Outcome, error) {
	if !r.collaborators.allPresent() {
		r.emit(ctx, domain.SeverityWarning, "scheduler/warning/creation_skipped", nil, "required external credentials absent, skipping creation")
		return Skipped, nil
	}

	bundleID, ok := bundleIDs[task.Platform]
	if !ok {
		return Failed, fmt.Errorf("creationrunner: no bundle id for platform %s", task.Platform)
	}

	r.emit(ctx, domain.SeverityInfo, "account/info/account_creation_started", nil, "account creation started")

	username, err := r.synthesizeUsername(ctx, task.Platform, task.Niche)
	if err != nil {
		r.emit(ctx, domain.SeverityError, "account/error/account_creation_failed", nil, err.Error())
		return Failed, err
	}

	sessionID, err := client.BeginSession(ctx)
	if err != nil {
		return Failed, fmt.Errorf("creationrunner: begin session: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if endErr := client.EndSession(cctx, sessionID); endErr != nil {
			slog.Warn("creationrunner: end session cleanup failed", "error", endErr)
		}
	}()

	if err := client.RemoveApp(ctx, sessionID, bundleID); err != nil {
		return r.fail(ctx, "device/error/install_failed", fmt.Errorf("uninstall: %w", err))
	}
	if err := client.InstallApp(ctx, sessionID, bundleID); err != nil {
		return r.fail(ctx, "device/error/install_failed", fmt.Errorf("install: %w", err))
	}
	if err := client.ActivateApp(ctx, sessionID, bundleID); err != nil {
		return r.fail(ctx, "device/error/install_failed", fmt.Errorf("activate: %w", err))
	}

	password, err := randomPassword()
	if err != nil {
		return r.fail(ctx, "account/error/account_creation_failed", err)
	}

	email, err := r.solveSignupForm(ctx, client, sessionID, username, password)
	if err != nil {
		return r.fail(ctx, "account/error/account_creation_failed", err)
	}

	totpSeed, err := totpseed.Generate()
	if err != nil {
		return r.fail(ctx, "account/error/account_creation_failed", fmt.Errorf("generate totp seed: %w", err))
	}

	emailEnc, err := r.codec.EncryptBytes([]byte(email))
	if err != nil {
		return r.fail(ctx, "account/error/account_creation_failed", fmt.Errorf("encrypt email: %w", err))
	}
	passwordEnc, err := r.codec.EncryptBytes([]byte(password))
	if err != nil {
		return r.fail(ctx, "account/error/account_creation_failed", fmt.Errorf("encrypt password: %w", err))
	}
	totpEnc, err := r.codec.EncryptBytes([]byte(totpSeed))
	if err != nil {
		return r.fail(ctx, "account/error/account_creation_failed", fmt.Errorf("encrypt totp seed: %w", err))
	}

	now := time.Now().UTC()
	account := domain.Account{
		Platform:        task.Platform,
		Username:        username,
		EmailEnc:        emailEnc,
		PasswordEnc:     passwordEnc,
		TOTPSecretEnc:   totpEnc,
		NicheID:         task.Niche.ID,
		LastDeviceID:    device.ID,
		CurrentState:    domain.StateCreated,
		WarmingDayCount: 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.InsertAccount(ctx, account); err != nil {
		return r.fail(ctx, "account/error/account_creation_failed", fmt.Errorf("insert account: %w", err))
	}

	r.emit(ctx, domain.SeverityInfo, "account/info/account_created", &account.Username, "account created")
	return Created, nil
}

// solveSignupForm drives the platform's signup screens: CAPTCHA, email
// verification via IMAP polling, SMS verification, then sets the username
// and password and skips onboarding.
func (r *Runner) solveSignupForm(ctx context.Context, client *automation.Client, sessionID, username, password string) (email string, err error) {
	screenshot, err := client.Screenshot(ctx, sessionID)
	if err != nil {
		r.emit(ctx, domain.SeverityError, "auth/error/captcha_failed", nil, fmt.Sprintf("screenshot for captcha: %v", err))
		return "", fmt.Errorf("%w: screenshot for captcha: %v", ErrSignupFailed, err)
	}
	captchaToken, err := r.collaborators.Captcha.Solve(ctx, screenshot, 2*time.Second)
	if err != nil {
		r.emit(ctx, domain.SeverityError, "auth/error/captcha_failed", nil, fmt.Sprintf("solve captcha: %v", err))
		return "", fmt.Errorf("%w: solve captcha: %v", ErrSignupFailed, err)
	}
	captchaField, err := client.FindElement(ctx, sessionID, "captcha-token-field")
	if err != nil {
		return "", fmt.Errorf("%w: locate captcha field: %v", ErrSignupFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, captchaField, captchaToken); err != nil {
		return "", fmt.Errorf("%w: submit captcha token: %v", ErrSignupFailed, err)
	}

	email = fmt.Sprintf("%s@sovi-mail.example", username)
	code, err := r.collaborators.Mail.PollForCode(ctx, "Verify your email", 120*time.Second, 5*time.Second, extractSixDigitCode)
	if err != nil {
		return "", fmt.Errorf("%w: await email verification: %v", ErrSignupFailed, err)
	}
	emailCodeField, err := client.FindElement(ctx, sessionID, "email-code-field")
	if err != nil {
		return "", fmt.Errorf("%w: locate email code field: %v", ErrSignupFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, emailCodeField, code); err != nil {
		return "", fmt.Errorf("%w: submit email code: %v", ErrSignupFailed, err)
	}

	phone, verifyID, err := r.requestSMSCode(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: request sms code: %v", ErrSignupFailed, err)
	}
	smsField, err := client.FindElement(ctx, sessionID, "sms-code-field")
	if err != nil {
		return "", fmt.Errorf("%w: locate sms field: %v", ErrSignupFailed, err)
	}
	readSMSCode := func() (string, bool) {
		banner, err := client.FindElement(ctx, sessionID, "sms-code-banner-text")
		if err != nil {
			return "", false
		}
		text, err := client.ElementText(ctx, sessionID, banner)
		if err != nil || text == "" {
			return "", false
		}
		return text, true
	}
	var smsCode string
	codeFn := func() (string, bool) {
		code, ok := readSMSCode()
		if ok {
			smsCode = code
		}
		return code, ok
	}
	if err := smsverify.AwaitVerification(ctx, r.collaborators.SMS, phone, verifyID, codeFn, 120*time.Second, 3*time.Second); err != nil {
		return "", fmt.Errorf("%w: await sms verification: %v", ErrSignupFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, smsField, smsCode); err != nil {
		return "", fmt.Errorf("%w: enter sms code: %v", ErrSignupFailed, err)
	}

	usernameField, err := client.FindElement(ctx, sessionID, "signup-username-field")
	if err != nil {
		return "", fmt.Errorf("%w: locate username field: %v", ErrSignupFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, usernameField, username); err != nil {
		return "", fmt.Errorf("%w: set username: %v", ErrSignupFailed, err)
	}
	passwordField, err := client.FindElement(ctx, sessionID, "signup-password-field")
	if err != nil {
		return "", fmt.Errorf("%w: locate password field: %v", ErrSignupFailed, err)
	}
	if err := client.SetValue(ctx, sessionID, passwordField, password); err != nil {
		return "", fmt.Errorf("%w: set password: %v", ErrSignupFailed, err)
	}

	if err := r.skipOnboarding(ctx, client, sessionID); err != nil {
		return "", fmt.Errorf("%w: skip onboarding: %v", ErrSignupFailed, err)
	}
	return email, nil
}

// skipOnboarding dismisses up to five "contacts/follow suggestions"
// onboarding screens by clicking their skip control, and stops as soon as
// no skip control can be located. No hardware button is pressed.
func (r *Runner) skipOnboarding(ctx context.Context, client *automation.Client, sessionID string) error {
	for i := 0; i < 5; i++ {
		el, err := client.FindElement(ctx, sessionID, "onboarding-skip-button")
		if err != nil {
			return nil // no more onboarding screens
		}
		if err := client.Click(ctx, sessionID, el); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) requestSMSCode(ctx context.Context) (phone, verifyID string, err error) {
	phone, err = r.collaborators.SMS.SendCode(ctx, "signup-verification")
	if err != nil {
		return "", "", err
	}
	return phone, phone, nil
}

// synthesizeUsername picks a niche-indexed prefix and appends 3-6 random
// digits, re-rolling on collision.
func (r *Runner) synthesizeUsername(ctx context.Context, platform domain.Platform, niche domain.Niche) (string, error) {
	prefixes, ok := usernamePrefixes[niche.Slug]
	if !ok {
		prefixes = genericPrefixes
	}
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		prefix, err := pickRandom(prefixes)
		if err != nil {
			return "", err
		}
		digits, err := randomDigitString(3, 6)
		if err != nil {
			return "", err
		}
		candidate := prefix + digits
		taken, err := r.store.UsernameTaken(ctx, platform, candidate)
		if err != nil {
			return "", fmt.Errorf("check username collision: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrUsernameExhausted
}

func (r *Runner) fail(ctx context.Context, eventType string, cause error) (Outcome, error) {
	r.emit(ctx, domain.SeverityError, eventType, nil, cause.Error())
	return Failed, cause
}

func (r *Runner) emit(ctx context.Context, severity domain.EventSeverity, eventType string, username *string, message string) {
	event := domain.SystemEvent{
		Category:  categoryFromEventType(eventType),
		Severity:  severity,
		EventType: eventType,
		Message:   message,
	}
	if username != nil {
		event.Context = map[string]any{"username": *username}
	}
	if _, err := r.events.Emit(ctx, event); err != nil {
		slog.Error("creationrunner: emit event failed", "error", err)
	}
}

// categoryFromEventType derives the event category from the "<category>/..."
// prefix convention every event type string follows, so a call site naming
// a canonical cross-category type (e.g. "device/error/install_failed" from
// the account creation flow) is filed under the right category rather than
// always under account.
func categoryFromEventType(eventType string) domain.EventCategory {
	prefix, _, ok := strings.Cut(eventType, "/")
	if !ok {
		return domain.CategoryAccount
	}
	switch prefix {
	case "scheduler":
		return domain.CategoryScheduler
	case "device":
		return domain.CategoryDevice
	case "auth":
		return domain.CategoryAuth
	default:
		return domain.CategoryAccount
	}
}

func pickRandom(options []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(options))))
	if err != nil {
		return "", err
	}
	return options[n.Int64()], nil
}

func randomDigitString(minLen, maxLen int) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxLen-minLen+1)))
	if err != nil {
		return "", err
	}
	length := minLen + int(n.Int64())
	var b strings.Builder
	for i := 0; i < length; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%d", d.Int64())
	}
	return b.String(), nil
}

func randomPassword() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%"
	var b strings.Builder
	for i := 0; i < 16; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b.WriteByte(charset[n.Int64()])
	}
	return b.String(), nil
}

func extractSixDigitCode(body string) (string, bool) {
	digits := strings.Builder{}
	for _, r := range body {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			if digits.Len() == 6 {
				return digits.String(), true
			}
		} else {
			digits.Reset()
		}
	}
	return "", false
}
