package session

import "errors"

// ErrSessionBusy is returned by a Start* method when the worker is already
// running a long operation.
var ErrSessionBusy = errors.New("session: another operation is already running")

// ErrConfigurationLocked is returned when a settings change is rejected
// because a session is active.
var ErrConfigurationLocked = errors.New("session: this setting cannot change while a session is active")

// ErrTooCloseToPole ends a guiding run started by StartGuiding when
// |declination| > 89°.
var ErrTooCloseToPole = errors.New("session: declination too close to the pole to guide")

// ErrNotIdle is returned by ManualPulse when the session is not in a phase
// that permits a raw debug pulse (Idle, Done, Failed or Previewing).
var ErrNotIdle = errors.New("session: manual pulse only allowed while idle or previewing")
