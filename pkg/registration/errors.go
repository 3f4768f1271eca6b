package registration

import "errors"

// Registration errors.
var (
	// ErrNotFound is returned when no live registration matches the given id.
	ErrNotFound = errors.New("registration not found")

	// ErrInvalidRegistration is returned when a registration is missing required fields.
	ErrInvalidRegistration = errors.New("invalid registration")
)
