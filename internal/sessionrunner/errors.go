package sessionrunner

import "errors"

var (
	// ErrInstallFailed means the uninstall/reinstall step did not complete;
	// the account is left untouched.
	ErrInstallFailed = errors.New("sessionrunner: app install reset failed")
	// ErrLoginFailed means credential decryption or the login UI flow did
	// not complete; the account is left untouched.
	ErrLoginFailed = errors.New("sessionrunner: login failed")
	// ErrWarmingFailed means the warming primitive returned an error
	// mid-run; partial progress is still recorded, day count is not
	// incremented.
	ErrWarmingFailed = errors.New("sessionrunner: warming run failed")
	// ErrNoWarmer means no warmer is registered for the account's platform.
	ErrNoWarmer = errors.New("sessionrunner: no warmer registered for platform")
	// ErrBudgetExceeded names a step that ran past its time budget. Run does
	// not return it: an expired setup budget surfaces as the failing step's
	// own error, and an expired warming budget ends the warming step as a
	// normal completion.
	ErrBudgetExceeded = errors.New("sessionrunner: step exceeded its time budget")
)
