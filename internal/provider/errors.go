package provider

import (
	"errors"
	"fmt"
)

// Kind classifies provider failures for retry decisions.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindConnection     Kind = "connection"
	KindAPI            Kind = "api"
	KindInvalidRequest Kind = "invalid_request"
	KindAuthentication Kind = "authentication"
	KindPermission     Kind = "permission"
)

// Error is a classified provider failure. Callers inspect Kind rather than
// matching message text.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether this particular failure is transient. Exposed as
// a method so callers outside this package can classify without depending on
// the kind taxonomy.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindConnection, KindAPI:
		return true
	}
	return false
}

// KindOf returns the classification of err when it is a provider error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// Retryable reports whether err is a transient provider failure. Rate
// limits, connection drops and generic upstream errors are worth retrying;
// bad identifiers and credential problems never resolve on their own.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
