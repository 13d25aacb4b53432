package participant

import "errors"

var (
	// ErrInvalidRole is returned when a role string is unknown.
	ErrInvalidRole = errors.New("participant: invalid role")
	// ErrMissingKey is returned when no private key is configured.
	ErrMissingKey = errors.New("participant: missing private key")
	// ErrInvalidKey is returned when the private key cannot be parsed.
	ErrInvalidKey = errors.New("participant: invalid private key")
)
