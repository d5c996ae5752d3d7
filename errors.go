package ticketing

import (
	"errors"
	"fmt"
)

// ConstructionError indicates that a Session could not be established:
// the base URL is unreachable, the project/queue/table does not exist,
// or a supplied ticket id does not resolve. It is raised synchronously
// by Open and SetTicketID and never reported through a Result.
type ConstructionError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *ConstructionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// IsConstructionError reports whether err (or anything it wraps) is a
// ConstructionError.
func IsConstructionError(err error) bool {
	var ce *ConstructionError
	return errors.As(err, &ce)
}

// AuthenticationError indicates rejected credentials or a failed
// Kerberos negotiation during construction.
type AuthenticationError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: authentication failed: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed: %s", e.Tool, e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsAuthenticationError reports whether err (or anything it wraps) is
// an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// NotFoundError is returned by a Resolver when no id matches the given
// name.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s found matching %q", e.Kind, e.Name)
}

// IsNotFound reports whether err (or anything it wraps) is a
// NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
