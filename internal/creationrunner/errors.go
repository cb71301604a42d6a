package creationrunner

import "errors"

var (
	// ErrCollaboratorsUnavailable is returned when one or more required
	// external collaborators (CAPTCHA solver, IMAP mailbox, SMS provider)
	// are not configured, making creation unsafe to attempt at all.
	ErrCollaboratorsUnavailable = errors.New("creationrunner: required external collaborator not configured")
	// ErrNoCreationTask means no (platform, niche) pair needs a new
	// account right now.
	ErrNoCreationTask = errors.New("creationrunner: no creation task available")
	// ErrUsernameExhausted means every synthesized candidate collided.
	ErrUsernameExhausted = errors.New("creationrunner: could not synthesize a free username")
	// ErrSignupFailed covers any failure within the platform signup flow
	// (CAPTCHA, email, SMS, password/username screens).
	ErrSignupFailed = errors.New("creationrunner: signup flow failed")
)
