package service

import "errors"

var (
	// ErrInvalidTransition is returned when a booking is not in a status that
	// allows the requested change.
	ErrInvalidTransition = errors.New("invalid booking status transition")
	// ErrProviderUnavailable is returned when a provider cannot take new
	// bookings: inactive, suspended or behind on commission.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidInput covers request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoShowTooEarly is returned when a no-show is reported before the
	// appointment time.
	ErrNoShowTooEarly = errors.New("appointment time has not passed")
	// ErrStorageDisabled is returned when an upload is attempted without a
	// configured storage backend.
	ErrStorageDisabled = errors.New("file storage is not configured")
)
