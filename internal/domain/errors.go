package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrUnknownSession     = errors.New("domain: unknown session")
	ErrSessionTerminal    = errors.New("domain: session is completed")
	ErrAgentUnavailable   = errors.New("domain: agent worker unavailable")
	ErrPersistence        = errors.New("domain: persistence failure")
	ErrInvalidPreferences = errors.New("domain: invalid preferences")
)
