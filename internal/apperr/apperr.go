// Package apperr defines the closed error-kind taxonomy from spec §7. Domain
// errors carry a stable code and a short message and surface to callers
// unchanged; the HTTP layer maps Code to a status via Status(err).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	InvalidID           Code = "INVALID_ID"
	InvalidInput        Code = "INVALID_INPUT"
	NotFound            Code = "NOT_FOUND"
	NotStartable        Code = "NOT_STARTABLE"
	NotCancellable      Code = "NOT_CANCELLABLE"
	NotOpen             Code = "NOT_OPEN"
	RoundEnded          Code = "ROUND_ENDED"
	BidNotActive        Code = "BID_NOT_ACTIVE"
	InsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	InvariantViolation  Code = "INVARIANT_VIOLATION"
)

// Error is the concrete type every domain failure in this module uses.
type Error struct {
	Code    Code
	Message string
	// Details carries optional free-form context (e.g. the field that failed
	// validation); never required for callers to branch on.
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches details and returns the same error for chaining.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// Is lets errors.Is(err, apperr.New(Code, "")) match on Code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Status maps a Code (or an unclassified error) to the HTTP status from §7.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case InvalidID, InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case NotStartable, NotCancellable, NotOpen, RoundEnded, BidNotActive, InsufficientFunds:
		return http.StatusConflict
	case InvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinel helpers used across the codebase with errors.Is.
var (
	ErrNotFound           = New(NotFound, "")
	ErrNotStartable       = New(NotStartable, "")
	ErrNotCancellable     = New(NotCancellable, "")
	ErrNotOpen            = New(NotOpen, "")
	ErrRoundEnded         = New(RoundEnded, "")
	ErrBidNotActive       = New(BidNotActive, "")
	ErrInsufficientFunds  = New(InsufficientFunds, "")
	ErrInvalidInput       = New(InvalidInput, "")
	ErrInvariantViolation = New(InvariantViolation, "")
)
