package appointment

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the service that a caller can act on
// unwraps to exactly one of these.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
)

// Error carries a caller-safe message and the kind it belongs to.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func validationError(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrUserNotFound         = newError(ErrNotFound, "user not found")
	ErrSpecialistNotFound   = newError(ErrNotFound, "specialist not found")
	ErrAvailabilityNotFound = newError(ErrNotFound, "availability not found")
	ErrSlotNotFound         = newError(ErrNotFound, "time slot not found")
	ErrAppointmentNotFound  = newError(ErrNotFound, "appointment not found")
	ErrNotificationNotFound = newError(ErrNotFound, "notification not found")

	ErrSlotAlreadyBooked       = newError(ErrConflict, "this time slot is no longer available")
	ErrSlotChanged             = newError(ErrConflict, "this time slot has changed, please search again")
	ErrSlotBeingBooked         = newError(ErrConflict, "this time slot is currently being booked, please retry")
	ErrAvailabilityExists      = newError(ErrConflict, "availability already exists for this date")
	ErrVersionConflict         = newError(ErrConflict, "availability was modified concurrently, please retry")
	ErrAvailabilityBusy        = newError(ErrConflict, "availability for this date is being updated, please retry")
	ErrInvalidStatusTransition = newError(ErrConflict, "invalid appointment status transition")

	ErrSpecialistNotApproved = newError(ErrForbidden, "specialist is not approved")
	ErrNotAppointmentParty   = newError(ErrForbidden, "not authorized to access this appointment")
	ErrRoleNotAllowed        = newError(ErrForbidden, "role not allowed for this operation")
)
