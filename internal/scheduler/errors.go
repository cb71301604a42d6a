package scheduler

import "errors"

var (
	// ErrNoActiveDevices means Start was called with zero active devices in
	// the store; the scheduler starts successfully anyway, with no workers,
	// so a device added later can be picked up by a restart.
	ErrNoActiveDevices = errors.New("scheduler: no active devices")
	// ErrAlreadyRunning guards against a double Start.
	ErrAlreadyRunning = errors.New("scheduler: already running")
	// ErrNotRunning guards Stop before any Start.
	ErrNotRunning = errors.New("scheduler: not running")
)
