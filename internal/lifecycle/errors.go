package lifecycle

import (
	"errors"
	"fmt"

	"civicsense/internal/domain"
)

// ValidationError reports malformed input. Nothing was written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports a role without permission for an action.
type AuthorizationError struct {
	Role   domain.Role
	Action string
}

func (e *AuthorizationError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("not allowed to %s", e.Action)
	}
	return fmt.Sprintf("role %s is not allowed to %s", e.Role, e.Action)
}

func forbidden(actor domain.Identity, action string) error {
	return &AuthorizationError{Role: actor.Role, Action: action}
}

// StoreError wraps a persistence or transport failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore wraps err as a StoreError unless it is nil or already typed.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		ae *AuthorizationError
		se *StoreError
	)
	if errors.As(err, &ve) || errors.As(err, &ae) || errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// FeedError reports a dropped change-feed subscription.
type FeedError struct {
	Topic string
	Err   error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed %s dropped: %v", e.Topic, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// Surface is how a failure is presented to the user.
type Surface string

const (
	SurfaceInline      Surface = "inline"
	SurfaceBlocking    Surface = "blocking"
	SurfaceDismissible Surface = "dismissible"
	SurfaceRetrying    Surface = "retrying"
)

// SurfaceOf classifies err. Unknown errors are dismissible.
func SurfaceOf(err error) Surface {
	var (
		ve *ValidationError
		ae *AuthorizationError
		fe *FeedError
	)
	switch {
	case errors.As(err, &ve):
		return SurfaceInline
	case errors.As(err, &ae):
		return SurfaceBlocking
	case errors.As(err, &fe):
		return SurfaceRetrying
	default:
		return SurfaceDismissible
	}
}
