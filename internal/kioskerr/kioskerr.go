// Package kioskerr is the error taxonomy shared by the Bus Controller, State
// Manager, and Command Executor (spec §7). It generalizes the pattern in
// dittofs's pkg/metadata/errors (an ErrorCode enum plus a typed error that
// carries it) to the kiosk domain.
package kioskerr

import (
	"errors"
	"fmt"
)

// Code classifies an error so the Command Executor can decide retry vs. give
// up without string-matching messages.
type Code int

const (
	// Unknown is the zero value; never constructed directly.
	Unknown Code = iota
	// NotFound — locker or command id unknown. Permanent.
	NotFound
	// NotFree — reserve() target is not Free. Permanent.
	NotFree
	// NotOwned — release()/confirm_ownership() target is not in the expected state. Permanent.
	NotOwned
	// Blocked — target locker is Blocked. Permanent.
	Blocked
	// OwnerAlreadyHoldsLocker — I1 would be violated. Permanent.
	OwnerAlreadyHoldsLocker
	// VersionConflict — optimistic token stale. Caller decides whether to retry.
	VersionConflict
	// HardwareUnavailable — port closed/reconnecting/disqualified. Not retried by the caller directly.
	HardwareUnavailable
	// BusTimeout — frame sent, no response within the wire timeout. Retried internally by the bus controller.
	BusTimeout
	// BusFraming — CRC mismatch or truncated response. Retried internally, same as BusTimeout.
	BusFraming
	// RetryBudgetExhausted — synthetic error recorded once the command executor's retry budget is spent.
	RetryBudgetExhausted
	// InvalidArgument — caller-supplied input fails validation. Permanent.
	InvalidArgument
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case NotFree:
		return "NotFree"
	case NotOwned:
		return "NotOwned"
	case Blocked:
		return "Blocked"
	case OwnerAlreadyHoldsLocker:
		return "OwnerAlreadyHoldsLocker"
	case VersionConflict:
		return "VersionConflict"
	case HardwareUnavailable:
		return "HardwareUnavailable"
	case BusTimeout:
		return "BusTimeout"
	case BusFraming:
		return "BusFraming"
	case RetryBudgetExhausted:
		return "RetryBudgetExhausted"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every component in this module returns
// for classifiable failures.
type Error struct {
	Code    Code
	Message string
	KioskID string
	LockerID int
	// HasLockerID distinguishes "locker 0" from "no locker context".
	HasLockerID bool
}

func (e *Error) Error() string {
	if e.HasLockerID {
		return fmt.Sprintf("%s: %s (kiosk=%s locker=%d)", e.Code, e.Message, e.KioskID, e.LockerID)
	}
	if e.KioskID != "" {
		return fmt.Sprintf("%s: %s (kiosk=%s)", e.Code, e.Message, e.KioskID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a bare error with no kiosk/locker context.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithLocker builds an error scoped to a specific kiosk and locker.
func WithLocker(code Code, kioskID string, lockerID int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), KioskID: kioskID, LockerID: lockerID, HasLockerID: true}
}

// WithKiosk builds an error scoped to a kiosk but not a specific locker.
func WithKiosk(code Code, kioskID string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), KioskID: kioskID}
}

// Is allows errors.Is(err, kioskerr.NotFound) style checks by comparing codes
// when the target is itself a *Error with only a Code set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel returns a bare *Error usable as an errors.Is target for a code,
// e.g. errors.Is(err, kioskerr.Sentinel(kioskerr.NotFound)).
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}

// Permanent reports whether retrying this error at all is pointless — the
// Command Executor uses this to decide reschedule vs. immediate failure
// (spec §4.3 step 3).
func Permanent(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case NotFound, Blocked, InvalidArgument, OwnerAlreadyHoldsLocker, NotFree, NotOwned:
		return true
	default:
		return false
	}
}
