package domain

import "errors"

// ErrValidation is returned when acquire arguments are malformed, a channel does not
// exist or is not writable, or a session touches a channel outside its declared sets.
var ErrValidation = errors.New("validation error")

// ErrUndefined is returned when reading a channel that has never produced a sample.
var ErrUndefined = errors.New("channel value undefined")

// ErrRegistryClosed is returned when a gate is opened after the registry was shut down.
var ErrRegistryClosed = errors.New("controller registry closed")

// ErrSessionClosed is returned when reading from a session after Close.
var ErrSessionClosed = errors.New("control session closed")

// ErrChannelNotFound is returned by channel registries for unknown keys.
var ErrChannelNotFound = errors.New("channel not found")
