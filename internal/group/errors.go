package group

import (
	"errors"
	"fmt"
)

// Failure kinds returned by the Service. Match them with errors.Is.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyMember        = errors.New("already a member")
	ErrLastOwnerCannotLeave = errors.New("the owner cannot leave without transferring ownership")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrInvalid              = errors.New("invalid argument")
)

// Store level conflicts, raised by unique indexes.
var (
	ErrDuplicateMembership = errors.New("user is already a member of this group")
	ErrDuplicateOwner      = errors.New("group already has an owner")
)

// Error describes a rejected operation. It unwraps to one of the kinds above.
type Error struct {
	Op     string
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func fail(op string, kind error, reason string) error {
	return &Error{Op: op, Kind: kind, Reason: reason}
}

// Reason returns the human readable reason of a Service error, or the
// error text for anything else.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Outcome names the kind of err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyMember):
		return "already_member"
	case errors.Is(err, ErrLastOwnerCannotLeave):
		return "last_owner"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	}
	return "error"
}
